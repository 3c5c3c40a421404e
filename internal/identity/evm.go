package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "PulseAnchor-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethmath "github.com/ethereum/go-ethereum/common/math"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EVMIdentity 使用 secp256k1 私钥按以太坊惯例签名。
type EVMIdentity struct {
	name      string
	priv      *ecdsa.PrivateKey
	address   common.Address
	typed     bool
	chainID   *big.Int
	anchorTag string

	mu       sync.Mutex
	client   *ethclient.Client
	to       common.Address
	gasPrice *big.Int
	gasLimit uint64
	nonce    uint64
}

// NewEVMIdentity 从十六进制私钥构造 EVM 身份。
// typedData 控制是否暴露结构化签名能力。
func NewEVMIdentity(name, secretHex, anchorTag string, chainID *big.Int, typedData bool) (*EVMIdentity, error) {
	secretHex = strings.TrimPrefix(strings.TrimSpace(secretHex), "0x")
	if secretHex == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "EVM 私钥为空",
			xerrors.WithMetadata("identity", name))
	}
	priv, err := crypto.HexToECDSA(secretHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析 EVM 私钥失败",
			xerrors.WithMetadata("identity", name))
	}
	return &EVMIdentity{
		name:      name,
		priv:      priv,
		address:   crypto.PubkeyToAddress(priv.PublicKey),
		typed:     typedData,
		chainID:   chainID,
		anchorTag: anchorTag,
	}, nil
}

// Name 返回身份名称。
func (e *EVMIdentity) Name() string { return e.name }

// Kind 返回链类型。
func (e *EVMIdentity) Kind() Kind { return KindEVM }

// Address 返回校验和格式的地址。
func (e *EVMIdentity) Address() string { return e.address.Hex() }

// SignText 按 EIP-191 personal message 惯例签名文本。
func (e *EVMIdentity) SignText(message string) (string, error) {
	digest := accounts.TextHash([]byte(message))
	sig, err := crypto.Sign(digest, e.priv)
	if err != nil {
		return "", fmt.Errorf("EVM 文本签名失败: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// SignTypedData 按 EIP-712 对声明字段做域分隔签名。
// 未启用 typed_data 的身份不暴露该能力（见 TypedCapable）。
func (e *EVMIdentity) SignTypedData(claim TypedClaim) (string, *TypedDataDescriptor, error) {
	chainID := e.chainID
	if chainID == nil {
		chainID = big.NewInt(1)
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"PulseClaim": []apitypes.Type{
				{Name: "sequence", Type: "uint256"},
				{Name: "cycle", Type: "uint256"},
				{Name: "step", Type: "uint256"},
				{Name: "amplitude", Type: "string"},
				{Name: "anchor", Type: "string"},
			},
		},
		PrimaryType: "PulseClaim",
		Domain: apitypes.TypedDataDomain{
			Name:    e.anchorTag,
			Version: "1",
			ChainId: (*gethmath.HexOrDecimal256)(chainID),
		},
		Message: apitypes.TypedDataMessage{
			"sequence":  fmt.Sprintf("%d", claim.Sequence),
			"cycle":     fmt.Sprintf("%d", claim.Cycle),
			"step":      fmt.Sprintf("%d", claim.Step),
			"amplitude": claim.Amplitude,
			"anchor":    claim.Anchor,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", nil, fmt.Errorf("计算 EIP-712 摘要失败: %w", err)
	}
	sig, err := crypto.Sign(digest, e.priv)
	if err != nil {
		return "", nil, fmt.Errorf("EIP-712 签名失败: %w", err)
	}
	sig[64] += 27

	descriptor := &TypedDataDescriptor{
		Primary: "PulseClaim",
		Domain: map[string]string{
			"name":    e.anchorTag,
			"version": "1",
			"chainId": chainID.String(),
		},
		Fields: map[string]string{
			"sequence":  fmt.Sprintf("%d", claim.Sequence),
			"cycle":     fmt.Sprintf("%d", claim.Cycle),
			"step":      fmt.Sprintf("%d", claim.Step),
			"amplitude": claim.Amplitude,
			"anchor":    claim.Anchor,
		},
	}
	return hexutil.Encode(sig), descriptor, nil
}

// TypedCapable 报告该身份是否启用了结构化签名。
func (e *EVMIdentity) TypedCapable() bool { return e.typed }

// InjectDescriptor 返回 base64 编码的载荷，适合作为调用数据附件。
func (e *EVMIdentity) InjectDescriptor(data []byte) Descriptor {
	return Descriptor{
		Address:  e.Address(),
		Encoded:  base64.StdEncoding.EncodeToString(data),
		Encoding: "base64",
		Note:     "attach as zero-value transaction call data; composition happens externally unless the broadcast gate is engaged",
	}
}

// AttachBroadcast 赋予该身份链上提交能力。startNonce 通常来自
// PendingNonceAt，之后由身份自己单调维护以保证防重放。
func (e *EVMIdentity) AttachBroadcast(client *ethclient.Client, to common.Address, fallbackGasPrice *big.Int, gasLimit uint64, startNonce uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.client = client
	e.to = to
	e.gasPrice = fallbackGasPrice
	e.gasLimit = gasLimit
	e.nonce = startNonce
}

// SubmitData 将不透明字节作为调用数据提交。动态估价失败时回退到
// 配置的保守价格。成功后才推进本地 nonce。
func (e *EVMIdentity) SubmitData(ctx context.Context, data []byte) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return "", xerrors.New(xerrors.CodeCapabilityMissing, "身份未附加广播客户端",
			xerrors.WithMetadata("identity", e.name))
	}

	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil || gasPrice == nil || gasPrice.Sign() == 0 {
		gasPrice = e.gasPrice
	}
	if gasPrice == nil {
		return "", xerrors.New(xerrors.CodeConfiguration, "缺少回退 gas 价格",
			xerrors.WithMetadata("identity", e.name))
	}

	to := e.to
	if to == (common.Address{}) {
		// no anchor contract configured: self-send with data
		to = e.address
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    e.nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      e.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(e.chainID), e.priv)
	if err != nil {
		return "", fmt.Errorf("签名提交交易失败: %w", err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(xerrors.CodeNetworkFailure, err, "发送提交交易失败",
			xerrors.WithMetadata("identity", e.name))
	}
	e.nonce++
	return signed.Hash().Hex(), nil
}

var (
	_ Signable        = (*EVMIdentity)(nil)
	_ TypedDataSigner = (*EVMIdentity)(nil)
	_ Submitter       = (*EVMIdentity)(nil)
)
