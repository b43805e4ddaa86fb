// Example ONC RPC server exposing a single toy procedure, echo-doubling a
// uint32 argument.
//
// Usage:
//
//	# Without portmapper (non-privileged port):
//	go run ./cmd/echoserver -port 20490
//
//	# With portmapper (requires root for port 111):
//	sudo go run ./cmd/echoserver -portmapper -port 20490
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-oncrpc/oncrpc"
)

const (
	echoProgram = 0x20000001
	echoVersion = 1
	echoDouble  = 1
)

func main() {
	port := flag.Int("port", 20490, "port to listen on")
	transportFlag := flag.String("transport", "tcp", "tcp, tcp-cooperative, or udp")
	usePortmapper := flag.Bool("portmapper", false, "register with the local portmapper (requires root for port 111)")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	logger, err := oncrpc.NewSlogLogger(&oncrpc.LogConfig{Level: *logLevel})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}

	var transport oncrpc.Transport
	switch *transportFlag {
	case "tcp":
		transport = oncrpc.TransportTCP
	case "tcp-cooperative":
		transport = oncrpc.TransportTCPCooperative
	case "udp":
		transport = oncrpc.TransportUDP
	default:
		log.Fatalf("unknown transport %q", *transportFlag)
	}

	srv := oncrpc.NewServer("0.0.0.0", *port, echoProgram, echoVersion, oncrpc.ServerOptions{
		Transport: transport,
		Logger:    logger,
	})
	srv.AddMethod(echoDouble, func(p *oncrpc.Packer, c *oncrpc.Cursor) error {
		v, err := c.UnpackUint()
		if err != nil {
			return err
		}
		if !c.Done() {
			return &oncrpc.ArgumentError{Procedure: echoDouble, Reason: "trailing bytes after argument"}
		}
		p.PackUint(v * 2)
		return nil
	})

	if err := srv.Bind(); err != nil {
		log.Fatalf("failed to bind: %v", err)
	}

	if *usePortmapper {
		protocol, err := oncrpc.ProtocolFor(transport)
		if err != nil {
			log.Fatalf("failed to resolve portmapper protocol: %v", err)
		}
		if err := srv.Register("127.0.0.1", oncrpc.PortmapperPort, protocol); err != nil {
			log.Fatalf("failed to register with portmapper: %v", err)
		}
		fmt.Println("registered with portmapper on 127.0.0.1:111")
	}

	fmt.Printf("echo server listening on port %d (%s)\n", srv.Port, *transportFlag)
	fmt.Println("Press Ctrl+C to stop")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.Listen(ctx); err != nil {
			log.Printf("listen error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nshutting down...")
	cancel()
	if err := srv.Close(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
