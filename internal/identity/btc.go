package identity

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	xerrors "PulseAnchor-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

const btcMessageMagic = "\x18Bitcoin Signed Message:\n"

// BTCIdentity 使用比特币签名消息惯例签名。地址版本字节与公钥压缩方式
// 由密钥的 WIF 编码决定。
type BTCIdentity struct {
	name       string
	priv       *ecdsa.PrivateKey
	compressed bool
	testnet    bool
	address    string
}

// NewBTCIdentity 从 WIF 或裸十六进制私钥构造 BTC 身份。
// 裸十六进制默认按主网压缩公钥处理。
func NewBTCIdentity(name, secret string) (*BTCIdentity, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "BTC 私钥为空",
			xerrors.WithMetadata("identity", name))
	}

	var (
		keyBytes   []byte
		compressed = true
		testnet    bool
	)
	if len(secret) == 64 {
		raw, err := hex.DecodeString(secret)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 BTC 私钥失败",
				xerrors.WithMetadata("identity", name))
		}
		keyBytes = raw
	} else {
		payload, err := b58CheckDecode(secret)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 WIF 失败",
				xerrors.WithMetadata("identity", name))
		}
		switch payload[0] {
		case 0x80:
		case 0xef:
			testnet = true
		default:
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("未知的 WIF 版本字节: 0x%02x", payload[0]),
				xerrors.WithMetadata("identity", name))
		}
		body := payload[1:]
		switch len(body) {
		case 32:
			compressed = false
			keyBytes = body
		case 33:
			if body[32] != 0x01 {
				return nil, xerrors.New(xerrors.CodeConfiguration, "WIF 压缩标记非法",
					xerrors.WithMetadata("identity", name))
			}
			keyBytes = body[:32]
		default:
			return nil, xerrors.New(xerrors.CodeConfiguration, "WIF 私钥长度非法",
				xerrors.WithMetadata("identity", name))
		}
	}

	priv, err := crypto.ToECDSA(keyBytes)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "构造 BTC 私钥失败",
			xerrors.WithMetadata("identity", name))
	}

	id := &BTCIdentity{
		name:       name,
		priv:       priv,
		compressed: compressed,
		testnet:    testnet,
	}
	id.address = id.deriveAddress()
	return id, nil
}

// Name 返回身份名称。
func (b *BTCIdentity) Name() string { return b.name }

// Kind 返回链类型。
func (b *BTCIdentity) Kind() Kind { return KindBTC }

// Address 返回 Base58Check 编码的 P2PKH 地址。
func (b *BTCIdentity) Address() string { return b.address }

func (b *BTCIdentity) publicKeyBytes() []byte {
	if b.compressed {
		return crypto.CompressPubkey(&b.priv.PublicKey)
	}
	return crypto.FromECDSAPub(&b.priv.PublicKey)
}

// deriveAddress 计算 version ‖ hash160(pubkey) 的 Base58Check 编码。
func (b *BTCIdentity) deriveAddress() string {
	pub := b.publicKeyBytes()
	sha := sha256.Sum256(pub)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	h160 := ripe.Sum(nil)

	version := byte(0x00)
	if b.testnet {
		version = 0x6f
	}
	return b58CheckEncode(append([]byte{version}, h160...))
}

// SignText 按比特币签名消息惯例产生可恢复紧凑签名，Base64 编码。
func (b *BTCIdentity) SignText(message string) (string, error) {
	digest := messageDigest(message)
	sig, err := crypto.Sign(digest, b.priv)
	if err != nil {
		return "", fmt.Errorf("BTC 文本签名失败: %w", err)
	}

	// crypto.Sign 产出 r ‖ s ‖ recid；紧凑格式要求 header 先行
	header := byte(27 + sig[64])
	if b.compressed {
		header += 4
	}
	compact := make([]byte, 65)
	compact[0] = header
	copy(compact[1:], sig[:64])
	return base64.StdEncoding.EncodeToString(compact), nil
}

// InjectDescriptor 返回十六进制编码的载荷，适合嵌入零值输出。
func (b *BTCIdentity) InjectDescriptor(data []byte) Descriptor {
	return Descriptor{
		Address:  b.address,
		Encoded:  hex.EncodeToString(data),
		Encoding: "hex",
		Note:     "embed in a no-value output (OP_RETURN); transaction composition happens externally",
	}
}

// messageDigest 计算带长度前缀的双 SHA-256 消息摘要。
func messageDigest(message string) []byte {
	var buf []byte
	buf = append(buf, []byte(btcMessageMagic)...)
	buf = appendCompactSize(buf, uint64(len(message)))
	buf = append(buf, []byte(message)...)

	first := sha256.Sum256(buf)
	second := sha256.Sum256(first[:])
	return second[:]
}

func appendCompactSize(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		buf = append(buf, 0xfd)
		return binary.LittleEndian.AppendUint16(buf, uint16(n))
	case n <= 0xffffffff:
		buf = append(buf, 0xfe)
		return binary.LittleEndian.AppendUint32(buf, uint32(n))
	default:
		buf = append(buf, 0xff)
		return binary.LittleEndian.AppendUint64(buf, n)
	}
}

var _ Signable = (*BTCIdentity)(nil)
