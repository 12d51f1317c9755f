package radcrypto

import (
	"bytes"
	"testing"

	"github.com/radproxy-go/radproxyd/internal/wire"
)

func testAuthenticator(b byte) [16]byte {
	var a [16]byte
	for i := range a {
		a[i] = b
	}
	return a
}

func TestUserPasswordRoundTrip(t *testing.T) {
	auth := testAuthenticator(0x11)
	secret := "s3cr3t"

	for _, plainLen := range []int{16, 32, 64, 128} {
		plain := bytes.Repeat([]byte{'p'}, plainLen)
		encrypted := EncryptUserPassword(plain, secret, auth)
		decrypted, err := DecryptUserPassword(encrypted, secret, auth)
		if err != nil {
			t.Fatalf("len %d: DecryptUserPassword error: %v", plainLen, err)
		}
		if !bytes.Equal(decrypted, plain) {
			t.Errorf("len %d: round trip mismatch: got %x want %x", plainLen, decrypted, plain)
		}
	}
}

func TestRecryptUserPasswordChangesSecretAndAuthenticator(t *testing.T) {
	oldAuth := testAuthenticator(0x01)
	newAuth := testAuthenticator(0x02)
	plain := []byte("hunter2hunter2!!")

	encrypted := EncryptUserPassword(plain, "oldsecret", oldAuth)
	recrypted, err := RecryptUserPassword(encrypted, "oldsecret", oldAuth, "newsecret", newAuth)
	if err != nil {
		t.Fatalf("RecryptUserPassword error: %v", err)
	}

	decrypted, err := DecryptUserPassword(recrypted, "newsecret", newAuth)
	if err != nil {
		t.Fatalf("DecryptUserPassword error: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Errorf("recrypted password does not decrypt to the original plaintext: got %x want %x", decrypted, plain)
	}
}

func TestDecryptUserPasswordRejectsOutOfRangeLength(t *testing.T) {
	auth := testAuthenticator(0x44)

	if _, err := DecryptUserPassword(bytes.Repeat([]byte{0}, 144), "s", auth); err == nil {
		t.Error("expected error for encrypted length 144 (above the 128-byte bound)")
	}
	if _, err := DecryptUserPassword(bytes.Repeat([]byte{0}, 16), "s", auth); err != nil {
		t.Errorf("length 16 (the minimum) should be accepted, got error: %v", err)
	}
	if _, err := DecryptUserPassword(bytes.Repeat([]byte{0}, 128), "s", auth); err != nil {
		t.Errorf("length 128 (the maximum) should be accepted, got error: %v", err)
	}
}

func TestTunnelPasswordRoundTrip(t *testing.T) {
	auth := testAuthenticator(0x33)
	salt := [2]byte{0x80, 0x01}
	plain := []byte("tunnelsecret")

	encrypted, err := EncryptTunnelPassword(plain, salt, "s", auth)
	if err != nil {
		t.Fatalf("EncryptTunnelPassword error: %v", err)
	}
	decrypted, err := DecryptTunnelPassword(encrypted, salt, "s", auth)
	if err != nil {
		t.Fatalf("DecryptTunnelPassword error: %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Errorf("tunnel password round trip mismatch: got %q want %q", decrypted, plain)
	}
}

func TestRecryptMPPEKeyWritesNewSaltPrefix(t *testing.T) {
	oldAuth := testAuthenticator(0x44)
	newAuth := testAuthenticator(0x55)
	oldSalt := [2]byte{0x91, 0x02}
	newSalt := [2]byte{0x88, 0x7f}

	keyPlain := append([]byte{0x00, 16}, bytes.Repeat([]byte{0xAB}, 14)...) // 16-byte payload, 16-bit length prefix
	encrypted := chainedCipher(padTo16(keyPlain), []byte("oldsecret"), oldAuth[:], oldSalt[:])
	value := append(append([]byte{}, oldSalt[:]...), encrypted...)

	recrypted, err := RecryptMPPEKey(value, "oldsecret", oldAuth, "newsecret", newAuth, newSalt)
	if err != nil {
		t.Fatalf("RecryptMPPEKey error: %v", err)
	}
	if recrypted[0] != newSalt[0] || recrypted[1] != newSalt[1] {
		t.Fatalf("salt prefix is not newSalt: got %x want %x", recrypted[:2], newSalt)
	}

	// Decrypting with the new secret/authenticator/salt should recover the
	// original padded plaintext.
	gotPlain := chainedCipher(recrypted[2:], []byte("newsecret"), newAuth[:], newSalt[:])
	if !bytes.Equal(gotPlain, padTo16(keyPlain)) {
		t.Errorf("recrypted MPPE key does not decrypt to original plaintext: got %x want %x", gotPlain, padTo16(keyPlain))
	}
}

func buildSignedResponse(t *testing.T, code wire.Code, id byte, reqAuth [16]byte, secret string) *wire.Packet {
	t.Helper()
	pkt := &wire.Packet{Code: code, Identifier: id}
	sig, err := Sign(pkt, reqAuth, secret)
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	pkt.Authenticator = sig
	return pkt
}

func TestValidateResponseAcceptsOwnSignature(t *testing.T) {
	reqAuth := testAuthenticator(0x10)
	pkt := buildSignedResponse(t, wire.CodeAccessAccept, 7, reqAuth, "shared")

	ok, err := ValidateResponse(pkt, reqAuth, "shared")
	if err != nil {
		t.Fatalf("ValidateResponse error: %v", err)
	}
	if !ok {
		t.Error("expected a self-signed response to validate")
	}
}

func TestValidateResponseRejectsWrongSecret(t *testing.T) {
	reqAuth := testAuthenticator(0x10)
	pkt := buildSignedResponse(t, wire.CodeAccessAccept, 7, reqAuth, "shared")

	ok, err := ValidateResponse(pkt, reqAuth, "different")
	if err != nil {
		t.Fatalf("ValidateResponse error: %v", err)
	}
	if ok {
		t.Error("expected validation to fail under the wrong secret")
	}
}

func TestMessageAuthenticatorRoundTripLeavesBufferUnchanged(t *testing.T) {
	reqAuth := testAuthenticator(0x20)
	pkt := &wire.Packet{Code: wire.CodeAccessRequest, Identifier: 3, Authenticator: reqAuth}
	pkt.AddAttr(1, []byte("alice@example.org"))

	if err := SetMessageAuthenticator(pkt, reqAuth, "secret"); err != nil {
		t.Fatalf("SetMessageAuthenticator error: %v", err)
	}

	before, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	ok, err := CheckMessageAuthenticator(pkt, reqAuth, "secret")
	if err != nil {
		t.Fatalf("CheckMessageAuthenticator error: %v", err)
	}
	if !ok {
		t.Error("expected Message-Authenticator to validate")
	}

	after, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("CheckMessageAuthenticator must not mutate the inspected packet")
	}
}

func TestCheckMessageAuthenticatorRejectsTamperedAttribute(t *testing.T) {
	reqAuth := testAuthenticator(0x20)
	pkt := &wire.Packet{Code: wire.CodeAccessRequest, Identifier: 3, Authenticator: reqAuth}
	pkt.AddAttr(1, []byte("alice@example.org"))

	if err := SetMessageAuthenticator(pkt, reqAuth, "secret"); err != nil {
		t.Fatalf("SetMessageAuthenticator error: %v", err)
	}

	pkt.FindAttr(1).Value[0] = 'X'

	ok, err := CheckMessageAuthenticator(pkt, reqAuth, "secret")
	if err != nil {
		t.Fatalf("CheckMessageAuthenticator error: %v", err)
	}
	if ok {
		t.Error("expected Message-Authenticator check to fail after tampering")
	}
}
