package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestUDPListenerRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 1)
	handler := func(ctx context.Context, data []byte, src, local *net.UDPAddr) {
		received <- string(data)
	}

	l, err := ListenUDP(ctx, "127.0.0.1:0", handler, testLogger())
	if err != nil {
		t.Fatalf("ListenUDP error: %v", err)
	}
	defer l.Close()

	client, err := net.Dial("udp", l.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dialing listener: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("writing to listener: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Errorf("received = %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}

func TestUDPUpstreamSendReceive(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP error: %v", err)
	}
	defer serverConn.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 16)
		n, addr, err := serverConn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		serverConn.WriteToUDP(buf[:n], addr)
	}()

	up, err := DialUDPUpstream(context.Background(), "", serverConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("DialUDPUpstream error: %v", err)
	}
	defer up.Close()

	if err := up.Send([]byte("ping")); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	buf := make([]byte, 16)
	n, err := up.Receive(buf)
	if err != nil {
		t.Fatalf("Receive error: %v", err)
	}
	if string(buf[:n]) != "ping" {
		t.Errorf("got %q, want %q", buf[:n], "ping")
	}
	wg.Wait()
}

func TestTLSListenerAndDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cert := selfSignedCert(t)
	serverConf := &tls.Config{Certificates: []tls.Certificate{cert}}

	received := make(chan string, 1)
	handler := func(ctx context.Context, conn *tls.Conn) {
		defer conn.Close()
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err != nil && err != io.EOF {
			return
		}
		received <- string(buf[:n])
	}

	l, err := ListenTLS(ctx, "127.0.0.1:0", serverConf, handler, testLogger())
	if err != nil {
		t.Fatalf("ListenTLS error: %v", err)
	}
	defer l.Close()

	pool := x509.NewCertPool()
	leaf, _ := x509.ParseCertificate(cert.Certificate[0])
	pool.AddCert(leaf)
	clientConf := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}

	conn, err := DialTLSUpstream(ctx, l.ln.Addr().String(), clientConf)
	if err != nil {
		t.Fatalf("DialTLSUpstream error: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("radsec")); err != nil {
		t.Fatalf("writing over TLS: %v", err)
	}

	select {
	case got := <-received:
		if got != "radsec" {
			t.Errorf("received = %q, want %q", got, "radsec")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TLS payload")
	}
}
