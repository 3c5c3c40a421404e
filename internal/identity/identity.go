// Package identity abstracts the cryptographic wallets the pulse loop signs
// with. Each variant derives its own address, signs a text rendering of the
// payload, and produces a chain-appropriate injection descriptor. Adding a
// new chain means adding a new variant; the signing orchestrator never
// switches on kinds.
package identity

import (
	"context"
)

// Kind 区分签名身份的链类型。
type Kind string

const (
	KindEVM Kind = "evm"
	KindBTC Kind = "btc"
)

// Descriptor 是注入描述：载荷的链上可用编码与说明。
// 实际的交易组装在外部完成，除非广播闸门被启用。
type Descriptor struct {
	Address  string `json:"address"`
	Encoded  string `json:"encoded_payload"`
	Encoding string `json:"encoding"`
	Note     string `json:"note"`
}

// TypedDataDescriptor 记录结构化签名所覆盖的域与字段，供外部校验器复算。
type TypedDataDescriptor struct {
	Domain  map[string]string `json:"domain"`
	Fields  map[string]string `json:"fields"`
	Primary string            `json:"primary_type"`
}

// TypedClaim 是结构化签名覆盖的命名字段集合。
type TypedClaim struct {
	Sequence  uint64
	Cycle     int
	Step      int
	Amplitude string
	Anchor    string
}

// Signable 是签名身份的基础能力。
type Signable interface {
	Name() string
	Kind() Kind
	Address() string
	SignText(message string) (string, error)
	InjectDescriptor(payload []byte) Descriptor
}

// TypedDataSigner 是可选能力：对命名字段做域分隔的结构化签名。
type TypedDataSigner interface {
	SignTypedData(claim TypedClaim) (string, *TypedDataDescriptor, error)
}

// Submitter 是可选能力：把不透明字节作为链上调用数据提交。
// 实现必须自带单调递增的防重放计数。
type Submitter interface {
	SubmitData(ctx context.Context, data []byte) (string, error)
}
