package identity

import (
	"encoding/base64"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

// key pair from the classic mainnet test vector set, never funded
const (
	btcKeyHex         = "1e99423a4ed27608a15a2616a2b0e9e52ced330ac530edcc32c8ffc6a526aedd"
	btcWIFUncompress  = "5J3mBbAH58CpQ3Y5RNJpUKPE62SQ5tfcvU2JpbnkeyhfsYB1Jcn"
	btcWIFCompressed  = "KxFC1jmwwCoACiCAWZ3eXa96mBM6tb3TYzGmf6YwgdGWZgawvrtJ"
	btcAddrCompressed = "1J7mdg5rbQyUHENYdx39WVWK7fsLpEoXZy"
	btcAddrUncompress = "1424C2F4bC9JidNjjTUZCbUxv6Sa1Mt62x"
)

func TestBTCAddressFromCompressedWIF(t *testing.T) {
	id, err := NewBTCIdentity("anchor-btc", btcWIFCompressed)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if got := id.Address(); got != btcAddrCompressed {
		t.Fatalf("unexpected address: %s, want %s", got, btcAddrCompressed)
	}
	if !id.compressed || id.testnet {
		t.Fatalf("expected mainnet compressed key, got compressed=%v testnet=%v", id.compressed, id.testnet)
	}
}

func TestBTCAddressFromUncompressedWIF(t *testing.T) {
	id, err := NewBTCIdentity("anchor-btc", btcWIFUncompress)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if got := id.Address(); got != btcAddrUncompress {
		t.Fatalf("unexpected address: %s, want %s", got, btcAddrUncompress)
	}
	if id.compressed {
		t.Fatalf("expected uncompressed key")
	}
}

func TestBTCAddressFromRawHexDefaultsCompressed(t *testing.T) {
	id, err := NewBTCIdentity("anchor-btc", btcKeyHex)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if got := id.Address(); got != btcAddrCompressed {
		t.Fatalf("unexpected address: %s, want %s", got, btcAddrCompressed)
	}
}

func TestBTCRejectsMalformedSecrets(t *testing.T) {
	cases := []string{"", "not-a-wif", "zz99423a4ed27608a15a2616a2b0e9e52ced330ac530edcc32c8ffc6a526aedd"}
	for _, secret := range cases {
		if _, err := NewBTCIdentity("bad", secret); err == nil {
			t.Fatalf("expected error for secret %q", secret)
		}
	}
}

func TestBTCSignTextRecoverable(t *testing.T) {
	id, err := NewBTCIdentity("anchor-btc", btcWIFCompressed)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}

	msg := "PULSE/1|ts=2026-03-14T09:26:53Z|cycle=0|step=0|amp=1.000000|anchor=omega|seq=1"
	encoded, err := id.SignText(msg)
	if err != nil {
		t.Fatalf("sign text: %v", err)
	}
	compact, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	if len(compact) != 65 {
		t.Fatalf("expected 65-byte compact signature, got %d", len(compact))
	}
	header := compact[0]
	if header < 31 || header > 34 {
		t.Fatalf("expected compressed header in [31,34], got %d", header)
	}

	// recompute the digest and recover the signer
	sig := make([]byte, 65)
	copy(sig, compact[1:])
	sig[64] = (header - 27) & 3
	pub, err := crypto.SigToPub(messageDigest(msg), sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got, want := string(crypto.CompressPubkey(pub)), string(id.publicKeyBytes()); got != want {
		t.Fatalf("recovered key does not match signer")
	}
}

func TestBTCInjectDescriptorHex(t *testing.T) {
	id, err := NewBTCIdentity("anchor-btc", btcWIFCompressed)
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	d := id.InjectDescriptor([]byte{0xde, 0xad, 0xbe, 0xef})
	if d.Encoding != "hex" || d.Encoded != "deadbeef" {
		t.Fatalf("unexpected descriptor: %+v", d)
	}
	if d.Address != id.Address() {
		t.Fatalf("descriptor address mismatch")
	}
}

func TestCompactSizePrefix(t *testing.T) {
	if got := appendCompactSize(nil, 0xfc); len(got) != 1 || got[0] != 0xfc {
		t.Fatalf("unexpected short prefix: %x", got)
	}
	if got := appendCompactSize(nil, 0x0100); len(got) != 3 || got[0] != 0xfd {
		t.Fatalf("unexpected uint16 prefix: %x", got)
	}
	if got := appendCompactSize(nil, 0x10000); len(got) != 5 || got[0] != 0xfe {
		t.Fatalf("unexpected uint32 prefix: %x", got)
	}
}

func TestBase58CheckRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0x02, 0x03, 0x04}
	encoded := b58CheckEncode(payload)
	decoded, err := b58CheckDecode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(decoded) != string(payload) {
		t.Fatalf("round trip mismatch: %x vs %x", decoded, payload)
	}

	// flip a character, checksum must fail
	corrupted := "2" + encoded[1:]
	if corrupted == encoded {
		corrupted = "3" + encoded[1:]
	}
	if _, err := b58CheckDecode(corrupted); err == nil {
		t.Fatalf("expected checksum failure")
	}
}
