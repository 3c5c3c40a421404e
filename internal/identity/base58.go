package identity

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"math/big"
)

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var b58Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(b58Alphabet); i++ {
		idx[b58Alphabet[i]] = int8(i)
	}
	return idx
}()

func b58Encode(raw []byte) string {
	num := new(big.Int).SetBytes(raw)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for num.Sign() > 0 {
		num.DivMod(num, base, mod)
		out = append(out, b58Alphabet[mod.Int64()])
	}
	for _, b := range raw {
		if b != 0 {
			break
		}
		out = append(out, b58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func b58Decode(encoded string) ([]byte, error) {
	num := new(big.Int)
	base := big.NewInt(58)
	for i := 0; i < len(encoded); i++ {
		digit := b58Index[encoded[i]]
		if digit < 0 {
			return nil, errors.New("非法的 Base58 字符")
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(digit)))
	}

	decoded := num.Bytes()
	var leading int
	for leading = 0; leading < len(encoded) && encoded[leading] == b58Alphabet[0]; leading++ {
	}
	return append(make([]byte, leading), decoded...), nil
}

// b58CheckEncode 附加双 SHA-256 校验和后编码。
func b58CheckEncode(payload []byte) string {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return b58Encode(append(payload, second[:4]...))
}

// b58CheckDecode 解码并校验校验和，返回去掉校验和的载荷。
func b58CheckDecode(encoded string) ([]byte, error) {
	raw, err := b58Decode(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) < 5 {
		return nil, errors.New("Base58Check 数据过短")
	}
	payload, check := raw[:len(raw)-4], raw[len(raw)-4:]
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(check, second[:4]) {
		return nil, errors.New("Base58Check 校验和不匹配")
	}
	return payload, nil
}
