// Command calico-pipe bridges stdin and stdout over a calico stream tunnel.
//
// One side listens, the other dials; both are prompted for the same 64-digit
// hex secret. Lines read from stdin are sent encrypted; received messages
// are written to stdout. The session fingerprint is printed on startup so
// the two sides can be compared out of band.
//
//	calico-pipe -listen :7643 -session "backup link"
//	calico-pipe -dial host:7643 -session "backup link"
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/bitshark/calico"
	"github.com/bitshark/calico/pkg/fingerprint"
)

func main() {
	var (
		listenAddr = flag.String("listen", "", "address to listen on")
		dialAddr   = flag.String("dial", "", "address to dial")
		session    = flag.String("session", "", "unique session name")
		useUDP     = flag.Bool("udp", false, "carry the tunnel over KCP/UDP instead of TCP")
		showQR     = flag.Bool("qr", false, "print the session fingerprint as a QR code")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if err := run(*listenAddr, *dialAddr, *session, *useUDP, *showQR, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "calico-pipe:", err)
		os.Exit(1)
	}
}

func run(listenAddr, dialAddr, session string, useUDP, showQR, verbose bool) error {
	if (listenAddr == "") == (dialAddr == "") {
		return fmt.Errorf("exactly one of -listen or -dial is required")
	}
	if session == "" {
		return fmt.Errorf("-session is required")
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	secret, err := readSecret()
	if err != nil {
		return fmt.Errorf("reading secret: %w", err)
	}

	opts := []calico.TunnelOption{calico.WithTCP()}
	if useUDP {
		opts = []calico.TunnelOption{calico.WithUDP()}
	}

	var tunnel *calico.Tunnel
	if listenAddr != "" {
		fmt.Fprintln(os.Stderr, "waiting for peer on", listenAddr)
		tunnel, err = calico.Listen(listenAddr, secret, session, opts...)
	} else {
		tunnel, err = calico.Dial(dialAddr, secret, session, opts...)
	}
	if err != nil {
		return err
	}
	defer tunnel.Close()

	if err := printFingerprint(tunnel, showQR); err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() { errc <- sendLoop(tunnel) }()
	go func() { errc <- receiveLoop(tunnel) }()
	return <-errc
}

func readSecret() ([]byte, error) {
	fmt.Fprint(os.Stderr, "secret (64 hex digits): ")
	var line string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, err
		}
		line = string(raw)
	} else {
		r := bufio.NewReader(os.Stdin)
		l, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = l
	}

	secret, err := hex.DecodeString(strings.TrimSpace(line))
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	if len(secret) != calico.SecretSize {
		return nil, fmt.Errorf("secret must be %d bytes, got %d", calico.SecretSize, len(secret))
	}
	return secret, nil
}

func printFingerprint(t *calico.Tunnel, showQR bool) error {
	digest, err := t.Endpoint().SessionDigest()
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "session fingerprint:")
	fmt.Fprintln(os.Stderr, " ", fingerprint.Hex(digest[:8]))
	fmt.Fprintln(os.Stderr, " ", strings.Join(fingerprint.Emoji(digest), " "))
	if showQR {
		os.Stderr.Write(fingerprint.QrCode(digest))
	}
	return nil
}

func sendLoop(t *calico.Tunnel) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := t.Send(scanner.Bytes()); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	return scanner.Err()
}

func receiveLoop(t *calico.Tunnel) error {
	w := bufio.NewWriter(os.Stdout)
	for {
		msg, err := t.Receive()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		w.Write(msg)
		w.WriteByte('\n')
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
