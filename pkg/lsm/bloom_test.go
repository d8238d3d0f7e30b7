package lsm

import (
	"fmt"
	"testing"
)

func TestBloomNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}
	for i := 0; i < 1000; i++ {
		if !bf.MayContain([]byte(fmt.Sprintf("key-%d", i))) {
			t.Fatalf("false negative for key-%d", i)
		}
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%d", i)))
	}

	falsePositives := 0
	probes := 10000
	for i := 0; i < probes; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%d", i))) {
			falsePositives++
		}
	}
	// Allow generous slack over the configured 1% target
	if rate := float64(falsePositives) / float64(probes); rate > 0.05 {
		t.Errorf("false positive rate too high: %.4f", rate)
	}
}

func TestBloomMarshalPreservesMembership(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	keys := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for _, k := range keys {
		bf.Add(k)
	}

	buf := bf.MarshalBinary()
	// Trailing bytes after the filter must be left unconsumed
	buf = append(buf, 0xde, 0xad)

	restored, n, err := UnmarshalBloomFilter(buf)
	if err != nil {
		t.Fatalf("UnmarshalBloomFilter failed: %v", err)
	}
	if n != len(buf)-2 {
		t.Errorf("expected %d bytes consumed, got %d", len(buf)-2, n)
	}
	for _, k := range keys {
		if !restored.MayContain(k) {
			t.Errorf("restored filter lost key %q", k)
		}
	}
}
