// Command session-info summarises a recorded capture session.
//
// It reads the session directory written by the capture daemon and prints
// the header, per-sensor slot tallies, and optionally the first frames.
//
// Usage:
//
//	go run ./cmd/tools/session-info -session ./sessions/CONF02_2026_08_30_141500 [-dump 5]
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/banshee-data/sensorbox/internal/fusion"
	"github.com/banshee-data/sensorbox/internal/recorder"
)

func main() {
	sessionPath := flag.String("session", "", "Session directory (required)")
	dump := flag.Int("dump", 0, "Print the first N frames")
	flag.Parse()

	if *sessionPath == "" {
		log.Fatal("Error: -session flag is required")
	}

	r, err := recorder.NewReader(*sessionPath)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}

	h := r.Header()
	fmt.Printf("Session:  %s\n", h.Session)
	fmt.Printf("Preset:   %s\n", h.Preset)
	fmt.Printf("Format:   %s\n", h.Version)
	fmt.Printf("Window:   %s\n", time.Duration(h.WindowNs))
	fmt.Printf("Frames:   %d\n", h.TotalFrames)
	if h.EndNs > h.StartNs {
		fmt.Printf("Duration: %s\n", time.Duration(h.EndNs-h.StartNs))
	}
	fmt.Printf("Sensors:\n")
	for _, s := range h.Sensors {
		extras := ""
		if s.HasDepth {
			extras += " depth"
		}
		if s.HasIMU {
			extras += " imu"
		}
		if s.HighBandwidth {
			extras += " high-bandwidth"
		}
		fmt.Printf("  %-16s %s%s\n", s.ID, s.Kind, extras)
	}

	type tally struct{ present, stale, absent uint64 }
	tallies := make(map[string]*tally)
	for _, s := range h.Sensors {
		tallies[s.ID] = &tally{}
	}

	var dumped int
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read frame: %v", err)
		}

		for id, t := range tallies {
			switch f.Slot(id).Status {
			case fusion.Present:
				t.present++
			case fusion.Stale:
				t.stale++
			default:
				t.absent++
			}
		}

		if dumped < *dump {
			dumped++
			fmt.Printf("\nframe %d @ %s\n", f.Seq, f.Reference.Format(time.RFC3339Nano))
			for _, id := range f.SensorIDs() {
				slot := f.Slot(id)
				if slot.Sample == nil {
					fmt.Printf("  %-16s %s\n", id, slot.Status)
					continue
				}
				fmt.Printf("  %-16s %-7s seq=%-6d %d bytes, offset %s\n",
					id, slot.Status, slot.Sample.Seq, len(slot.Sample.Payload), slot.AlignmentError)
			}
		}
	}

	fmt.Printf("\nSlot tallies:\n")
	for _, s := range h.Sensors {
		t := tallies[s.ID]
		total := t.present + t.stale + t.absent
		if total == 0 {
			fmt.Printf("  %-16s no frames\n", s.ID)
			continue
		}
		fmt.Printf("  %-16s present %d (%.1f%%), stale %d, absent %d\n",
			s.ID, t.present, 100*float64(t.present)/float64(total), t.stale, t.absent)
	}
}
