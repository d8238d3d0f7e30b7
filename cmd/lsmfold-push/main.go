package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dd0wney/cluso-lsmfold/pkg/remote"
)

// Reads a sorted stream from stdin and pushes it to a fold listener.
// Line format:
//
//	<key> <value>   push a value
//	del <key>       push a tombstone
//	limit <key>     push a limit marker and stop
//
// Keys must arrive in strictly increasing order or the receiving fold
// aborts.
func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:7501", "Listener address to push to")
	flag.Parse()

	pub, err := remote.NewPublisher(*addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pub.Close()

	fmt.Printf("Pushing to %s (EOF ends the stream)\n", *addr)

	scanner := bufio.NewScanner(os.Stdin)
	lines := 0
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		lines++

		switch {
		case fields[0] == "del" && len(fields) == 2:
			err = pub.SendTombstone([]byte(fields[1]))
		case fields[0] == "limit" && len(fields) == 2:
			if err := pub.SendLimit([]byte(fields[1])); err != nil {
				log.Fatalf("Push failed: %v", err)
			}
			fmt.Printf("Sent limit marker after %d lines\n", lines)
			return
		case len(fields) == 2:
			err = pub.Send([]byte(fields[0]), []byte(fields[1]))
		default:
			log.Fatalf("Bad line %d: %q", lines, scanner.Text())
		}
		if err != nil {
			log.Fatalf("Push failed: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Read failed: %v", err)
	}
	fmt.Printf("Stream complete, %d lines pushed\n", lines)
}
