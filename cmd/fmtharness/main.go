// Package main implements fmtharness, a console harness for
// exercising formatter descriptors without a broker or registry.
// Point it at a descriptor file (or a built-in codec name) and a
// payload, and it prints what the pipeline would produce.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/c360/satbridge/formatter"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "fmtharness: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		direction  = flag.String("direction", "uplink", "Formatter direction: uplink or downlink")
		descriptor = flag.String("descriptor", "", "Path to a formatter descriptor JSON file")
		codec      = flag.String("codec", "", "Built-in codec name (alternative to -descriptor)")
		terminalID = flag.String("terminal", "000000000000001", "Terminal id passed to the formatter")
		payloadHex = flag.String("payload", "", "Uplink payload as hex")
		method     = flag.String("method", "", "Downlink method name")
		argument   = flag.String("json", "{}", "Downlink method argument as JSON")
		timestamp  = flag.String("timestamp", "", "Packet timestamp, RFC3339 (default now)")
		list       = flag.Bool("list", false, "List built-in codecs and exit")
	)
	flag.Parse()

	registry := formatter.DefaultRegistry()

	if *list {
		fmt.Println("uplink codecs:  ", strings.Join(registry.UplinkCodecs(), ", "))
		fmt.Println("downlink codecs:", strings.Join(registry.DownlinkCodecs(), ", "))
		return nil
	}

	descriptorJSON, err := descriptorBytes(*descriptor, *codec)
	if err != nil {
		return err
	}

	switch strings.ToLower(*direction) {
	case "uplink":
		return runUplink(registry, descriptorJSON, *terminalID, *payloadHex, *timestamp)
	case "downlink":
		return runDownlink(registry, descriptorJSON, *terminalID, *method, *argument)
	default:
		return fmt.Errorf("unknown direction %q", *direction)
	}
}

func descriptorBytes(path, codec string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read descriptor: %w", err)
		}
		return data, nil
	}
	if codec != "" {
		return []byte(fmt.Sprintf(`{"name": %q, "codec": %q}`, codec, codec)), nil
	}
	return nil, fmt.Errorf("either -descriptor or -codec is required")
}

func runUplink(registry *formatter.Registry, descriptorJSON []byte, terminalID, payloadHex, timestamp string) error {
	f, err := registry.CompileUplink(descriptorJSON)
	if err != nil {
		return err
	}

	payload, err := hex.DecodeString(strings.TrimSpace(payloadHex))
	if err != nil {
		return fmt.Errorf("payload is not hex: %w", err)
	}

	at := time.Now().UTC()
	if timestamp != "" {
		at, err = time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
	}

	properties := make(map[string]string)
	event, err := formatter.EvaluateUplink(f, terminalID, properties, at, payload)
	if err != nil {
		return err
	}

	eventJSON, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return err
	}

	fmt.Printf("event:\n%s\n", eventJSON)
	if len(properties) > 0 {
		propsJSON, _ := json.MarshalIndent(properties, "", "  ")
		fmt.Printf("properties:\n%s\n", propsJSON)
	}
	return nil
}

func runDownlink(registry *formatter.Registry, descriptorJSON []byte, terminalID, method, argument string) error {
	f, err := registry.CompileDownlink(descriptorJSON)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(argument), &doc); err != nil {
		return fmt.Errorf("argument is not a JSON object: %w", err)
	}

	frame, err := formatter.EvaluateDownlink(f, terminalID, method, doc, []byte(argument))
	if err != nil {
		return err
	}

	fmt.Printf("frame: %s (%d bytes)\n", strings.ToUpper(hex.EncodeToString(frame)), len(frame))
	return nil
}
