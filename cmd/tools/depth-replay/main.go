// Command depth-replay replays depth-unit UDP datagrams from a pcap
// capture against a running daemon, respecting the original packet
// timing. Useful for exercising the depth driver without hardware.
//
// Usage:
//
//	go run ./cmd/tools/depth-replay -pcap capture.pcap -target 127.0.0.1:9301 [-port 9301] [-speed 2.0]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/sensorbox/internal/sensor/depthnet"
)

func main() {
	pcapFile := flag.String("pcap", "", "PCAP file to replay (required)")
	target := flag.String("target", "127.0.0.1:9301", "UDP destination")
	port := flag.Int("port", 9301, "Only replay datagrams sent to this UDP port (0 = all)")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier")
	validate := flag.Bool("validate", false, "Parse each datagram and report malformed packets")
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("Error: -pcap flag is required")
	}
	if *speed <= 0 {
		*speed = 1.0
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("Failed to open PCAP file: %v", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("Failed to read PCAP header: %v", err)
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Replaying %s to %s at %.1fx", *pcapFile, *target, *speed)

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	var (
		sent      int
		bytes     int
		malformed int
		streams   = map[depthnet.StreamType]int{}
		lastTS    time.Time
	)

	for packet := range source.Packets() {
		if ctx.Err() != nil {
			log.Printf("Replay interrupted after %d datagrams", sent)
			return
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if *port != 0 && int(udp.DstPort) != *port {
			continue
		}

		// Pace by capture timestamps, scaled by the speed multiplier.
		ts := packet.Metadata().Timestamp
		if !lastTS.IsZero() {
			delay := time.Duration(float64(ts.Sub(lastTS)) / *speed)
			if delay > 0 {
				select {
				case <-ctx.Done():
					log.Printf("Replay interrupted after %d datagrams", sent)
					return
				case <-time.After(delay):
				}
			}
		}
		lastTS = ts

		if *validate {
			pkt, err := depthnet.Parse(udp.Payload)
			if err != nil {
				malformed++
			} else {
				streams[pkt.Stream]++
			}
		}

		if _, err := conn.Write(udp.Payload); err != nil {
			log.Fatalf("Failed to send datagram: %v", err)
		}
		sent++
		bytes += len(udp.Payload)
	}

	log.Printf("Replay complete: %d datagrams, %d bytes", sent, bytes)
	if *validate {
		for stream, n := range streams {
			fmt.Printf("  %-6s %d packets\n", stream, n)
		}
		if malformed > 0 {
			fmt.Printf("  %d malformed datagrams\n", malformed)
		}
	}
}
