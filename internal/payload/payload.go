package payload

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"PulseAnchor-Chain/internal/envelope"
)

// SchemaTag 标识载荷的版本。升级字段布局时必须同步递增。
const SchemaTag = "PULSE/1"

// macPrefix 分隔完整性标签后缀。校验方先剥离该后缀再验算。
const macPrefix = "|mac="

// Builder 负责构造节拍的规范化载荷字节。除时间戳外，
// 相同的逻辑输入永远产生完全一致的字节。
type Builder struct {
	anchorTag    string
	integrityKey []byte
	now          func() time.Time
}

// Option 定义可选配置。
type Option func(*Builder)

// WithIntegrityKey 配置共享完整性密钥，启用 HMAC-SHA256 后缀。
func WithIntegrityKey(key []byte) Option {
	return func(b *Builder) {
		if len(key) > 0 {
			b.integrityKey = key
		}
	}
}

// WithClock 覆盖时间来源，测试用。
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBuilder 构造 Builder。
func NewBuilder(anchorTag string, opts ...Option) *Builder {
	b := &Builder{anchorTag: anchorTag, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Build 返回节拍的规范化载荷字节。字段顺序固定：
// 模式标签、UTC 时间戳、周期号、节拍号、六位小数幅值、锚标签、序列号。
// 配置了完整性密钥时在末尾追加 `|mac=<hex>` 后缀。
func (b *Builder) Build(step envelope.Step) []byte {
	var sb strings.Builder
	sb.WriteString(SchemaTag)
	sb.WriteString("|ts=")
	sb.WriteString(b.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "|cycle=%d", step.CycleIndex)
	fmt.Fprintf(&sb, "|step=%d", step.StepIndex)
	fmt.Fprintf(&sb, "|amp=%.6f", step.Amplitude)
	sb.WriteString("|anchor=")
	sb.WriteString(b.anchorTag)
	fmt.Fprintf(&sb, "|seq=%d", step.Sequence)

	raw := []byte(sb.String())
	if len(b.integrityKey) == 0 {
		return raw
	}

	mac := hmac.New(sha256.New, b.integrityKey)
	mac.Write(raw)
	tagged := append(raw, []byte(macPrefix)...)
	return append(tagged, []byte(hex.EncodeToString(mac.Sum(nil)))...)
}

// VerifyMAC 校验带完整性后缀的载荷。没有后缀时返回 false。
func VerifyMAC(data, key []byte) bool {
	idx := bytes.LastIndex(data, []byte(macPrefix))
	if idx < 0 {
		return false
	}
	body := data[:idx]
	tag, err := hex.DecodeString(string(data[idx+len(macPrefix):]))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hmac.Equal(tag, mac.Sum(nil))
}

// Rendering 返回载荷的人类可读呈现。载荷本身就是可读的管道分隔文本，
// 签名编排器直接对该呈现做文本签名。
func Rendering(data []byte) string {
	return string(data)
}
