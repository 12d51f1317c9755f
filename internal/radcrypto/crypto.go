// Package radcrypto implements the RADIUS shared-secret primitives from
// RFC 2865 §5.2 (User-Password), RFC 2869 §5.14 (Message-Authenticator),
// RFC 2868 §3.5 (Tunnel-Password) and RFC 2548 (MS-MPPE keys): request and
// response authenticators, the HMAC-MD5 Message-Authenticator attribute,
// and the chained-MD5 stream cipher used to re-encrypt secret-bearing
// attributes as a packet crosses from one hop's shared secret to another's.
//
// Every function here builds a fresh hash context per call. The original
// radsecproxy keeps one MD5/HMAC context per primitive behind a mutex;
// per-call contexts remove that contention at a cost that is negligible
// next to the network I/O surrounding each call.
package radcrypto

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/subtle"
	"fmt"

	"github.com/radproxy-go/radproxyd/internal/wire"
)

const (
	// MessageAuthenticatorType is RADIUS attribute 80 (RFC 2869 §5.14).
	MessageAuthenticatorType = 80
	// UserPasswordType is RADIUS attribute 2 (RFC 2865 §5.2).
	UserPasswordType = 2
	// TunnelPasswordType is RADIUS attribute 69 (RFC 2868 §3.5).
	TunnelPasswordType = 69
	// VendorSpecificType is RADIUS attribute 26.
	VendorSpecificType = 26

	blockSize = 16
)

// Sign computes the response authenticator for a reply packet: MD5 over
// the reply's code, identifier, length, the corresponding request's
// authenticator, the reply's attributes, and the shared secret
// (RFC 2865 §3).
func Sign(reply *wire.Packet, requestAuthenticator [16]byte, secret string) ([16]byte, error) {
	body, err := authenticatorInput(reply, requestAuthenticator)
	if err != nil {
		return [16]byte{}, err
	}
	h := md5.New()
	h.Write(body)
	h.Write([]byte(secret))
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// ValidateResponse checks a reply's authenticator field against the value
// Sign would have produced, returning true only on an exact match. The
// reply's Authenticator field is substituted with the original request
// authenticator before hashing, per RFC 2865 §3.
func ValidateResponse(reply *wire.Packet, requestAuthenticator [16]byte, secret string) (bool, error) {
	got := reply.Authenticator
	want, err := Sign(reply, requestAuthenticator, secret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1, nil
}

// authenticatorInput marshals pkt with its Authenticator field replaced by
// authInPlace, matching the bytes that Sign/ValidateResponse must hash.
func authenticatorInput(pkt *wire.Packet, authInPlace [16]byte) ([]byte, error) {
	saved := pkt.Authenticator
	pkt.Authenticator = authInPlace
	buf, err := pkt.Marshal()
	pkt.Authenticator = saved
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// SetMessageAuthenticator computes and installs the HMAC-MD5
// Message-Authenticator attribute (RFC 2869 §5.14): HMAC-MD5 over the
// whole packet with the Message-Authenticator value itself zeroed, keyed
// on the shared secret. requestAuthenticator is the authenticator to use
// in place of pkt's own when pkt is a reply (so the hash matches what the
// peer will recompute); for a request, pass pkt.Authenticator.
func SetMessageAuthenticator(pkt *wire.Packet, requestAuthenticator [16]byte, secret string) error {
	a := pkt.FindAttr(MessageAuthenticatorType)
	if a == nil {
		pkt.AddAttr(MessageAuthenticatorType, make([]byte, blockSize))
		a = pkt.FindAttr(MessageAuthenticatorType)
	}
	zeroed := make([]byte, blockSize)
	original := a.Value
	a.Value = zeroed

	body, err := authenticatorInput(pkt, requestAuthenticator)
	a.Value = original
	if err != nil {
		return err
	}

	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(body)
	a.Value = mac.Sum(nil)
	return nil
}

// CheckMessageAuthenticator validates an inbound packet's
// Message-Authenticator attribute without mutating the packet: the
// inspected buffer is byte-identical to its input once this returns.
func CheckMessageAuthenticator(pkt *wire.Packet, requestAuthenticator [16]byte, secret string) (bool, error) {
	a := pkt.FindAttr(MessageAuthenticatorType)
	if a == nil {
		return false, fmt.Errorf("radcrypto: no Message-Authenticator attribute present")
	}
	if len(a.Value) != blockSize {
		return false, fmt.Errorf("radcrypto: Message-Authenticator has length %d, want %d", len(a.Value), blockSize)
	}

	original := make([]byte, blockSize)
	copy(original, a.Value)
	a.Value = make([]byte, blockSize)

	body, err := authenticatorInput(pkt, requestAuthenticator)
	a.Value = original
	if err != nil {
		return false, err
	}

	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)
	return subtle.ConstantTimeCompare(original, want) == 1, nil
}

// chainedCipher implements the decrypting direction of the RFC 2865 §5.2
// stream cipher shared by User-Password, Tunnel-Password and MS-MPPE key
// encryption: successive 16-byte blocks are XORed against
// MD5(secret || previous-ciphertext-block), where the first block's
// "previous" input is the authenticator (optionally followed by a salt).
// Here data is the ciphertext, so each block of data feeds the next MD5.
// chainedEncrypt is the encrypting direction.
func chainedCipher(data, secret, authenticator, salt []byte) []byte {
	return chainedXOR(data, secret, authenticator, salt, false)
}

// chainedEncrypt is the encrypting direction of chainedCipher: each
// ciphertext block it produces feeds the next block's MD5.
func chainedEncrypt(data, secret, authenticator, salt []byte) []byte {
	return chainedXOR(data, secret, authenticator, salt, true)
}

func chainedXOR(data, secret, authenticator, salt []byte, encrypt bool) []byte {
	out := make([]byte, len(data))
	prev := make([]byte, 0, len(authenticator)+len(salt))
	prev = append(prev, authenticator...)
	prev = append(prev, salt...)

	for i := 0; i+blockSize <= len(data); i += blockSize {
		h := md5.New()
		h.Write(secret)
		h.Write(prev)
		b := h.Sum(nil)

		block := make([]byte, blockSize)
		for j := 0; j < blockSize; j++ {
			block[j] = data[i+j] ^ b[j]
		}
		copy(out[i:i+blockSize], block)
		if encrypt {
			prev = out[i : i+blockSize]
		} else {
			prev = data[i : i+blockSize]
		}
	}
	return out
}

// EncryptUserPassword encrypts a plaintext password to its on-wire form
// (RFC 2865 §5.2). plain is padded with zero bytes up to the next 16-byte
// boundary.
func EncryptUserPassword(plain []byte, secret string, authenticator [16]byte) []byte {
	padded := padTo16(plain)
	return chainedEncrypt(padded, []byte(secret), authenticator[:], nil)
}

// DecryptUserPassword reverses EncryptUserPassword. The caller is
// responsible for trimming any trailing zero padding the original
// plaintext did not contain.
func DecryptUserPassword(encrypted []byte, secret string, authenticator [16]byte) ([]byte, error) {
	if len(encrypted) < 16 || len(encrypted) > 128 || len(encrypted)%blockSize != 0 {
		return nil, fmt.Errorf("radcrypto: encrypted User-Password length %d must be a multiple of %d in [16,128]", len(encrypted), blockSize)
	}
	return chainedCipher(encrypted, []byte(secret), authenticator[:], nil), nil
}

// RecryptUserPassword re-encrypts a User-Password attribute value from one
// hop's shared secret and authenticator to the next hop's, without ever
// exposing the caller to the plaintext.
func RecryptUserPassword(encrypted []byte, oldSecret string, oldAuthenticator [16]byte, newSecret string, newAuthenticator [16]byte) ([]byte, error) {
	plain, err := DecryptUserPassword(encrypted, oldSecret, oldAuthenticator)
	if err != nil {
		return nil, err
	}
	return EncryptUserPassword(plain, newSecret, newAuthenticator), nil
}

// EncryptTunnelPassword encrypts a plaintext value in Tunnel-Password form
// (RFC 2868 §3.5): a 2-byte salt (caller-supplied, high bit of the first
// byte must be set per the RFC), a 1-byte plaintext length, the plaintext,
// then zero padding to a 16-byte boundary, all run through the same
// chained cipher keyed additionally on the salt.
func EncryptTunnelPassword(plain []byte, salt [2]byte, secret string, authenticator [16]byte) ([]byte, error) {
	if len(plain) > 253 {
		return nil, fmt.Errorf("radcrypto: tunnel password too long (%d bytes)", len(plain))
	}
	payload := append([]byte{byte(len(plain))}, plain...)
	payload = padTo16(payload)
	return chainedEncrypt(payload, []byte(secret), authenticator[:], salt[:]), nil
}

// DecryptTunnelPassword reverses EncryptTunnelPassword, validating and
// stripping the embedded length byte and any padding.
func DecryptTunnelPassword(encrypted []byte, salt [2]byte, secret string, authenticator [16]byte) ([]byte, error) {
	if len(encrypted) == 0 || len(encrypted)%blockSize != 0 {
		return nil, fmt.Errorf("radcrypto: encrypted Tunnel-Password length %d is not a multiple of %d", len(encrypted), blockSize)
	}
	payload := chainedCipher(encrypted, []byte(secret), authenticator[:], salt[:])
	n := int(payload[0])
	if n > len(payload)-1 {
		return nil, fmt.Errorf("radcrypto: tunnel password length byte %d exceeds payload", n)
	}
	return payload[1 : 1+n], nil
}

// RecryptTunnelPassword re-encrypts a salted Tunnel-Password attribute
// across a hop. The caller supplies newSalt; the return value is the new
// ciphertext only, without the salt.
func RecryptTunnelPassword(encrypted []byte, oldSalt [2]byte, oldSecret string, oldAuthenticator [16]byte, newSalt [2]byte, newSecret string, newAuthenticator [16]byte) ([]byte, error) {
	plain, err := DecryptTunnelPassword(encrypted, oldSalt, oldSecret, oldAuthenticator)
	if err != nil {
		return nil, err
	}
	return EncryptTunnelPassword(plain, newSalt, newSecret, newAuthenticator)
}

// RecryptMPPEKey re-encrypts an MS-MPPE-Send-Key / MS-MPPE-Recv-Key value
// (RFC 2548 §2.4.2/2.4.3) across a hop. These attributes share the
// Tunnel-Password salted-block format but the first two bytes of the
// decrypted payload are a 16-bit key length rather than an 8-bit one, and
// there is no trailing string length check beyond that. The salt is
// carried outside the encrypted blob, as the first 2 bytes of the attribute
// value; the returned value starts with newSalt, and the old salt is not
// kept.
func RecryptMPPEKey(value []byte, oldSecret string, oldAuthenticator [16]byte, newSecret string, newAuthenticator [16]byte, newSalt [2]byte) ([]byte, error) {
	if len(value) < 2 {
		return nil, fmt.Errorf("radcrypto: MPPE key attribute too short")
	}
	oldSalt := [2]byte{value[0], value[1]}
	encrypted := value[2:]
	if len(encrypted) == 0 || len(encrypted)%blockSize != 0 {
		return nil, fmt.Errorf("radcrypto: MPPE key ciphertext length %d is not a multiple of %d", len(encrypted), blockSize)
	}

	plain := chainedCipher(encrypted, []byte(oldSecret), oldAuthenticator[:], oldSalt[:])
	reencrypted := chainedEncrypt(plain, []byte(newSecret), newAuthenticator[:], newSalt[:])

	out := make([]byte, 2+len(reencrypted))
	out[0], out[1] = newSalt[0], newSalt[1]
	copy(out[2:], reencrypted)
	return out, nil
}

func padTo16(b []byte) []byte {
	if len(b) == 0 {
		return make([]byte, blockSize)
	}
	rem := len(b) % blockSize
	if rem == 0 {
		return append([]byte(nil), b...)
	}
	padded := make([]byte, len(b)+(blockSize-rem))
	copy(padded, b)
	return padded
}
