package credential

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	imErrors "sudooom.im.client/internal/errors"
	"sudooom.im.client/internal/model"
)

// ClaimUserID 身份声明字段名
const ClaimUserID = "userId"

// Parser 凭证解析器
// 只解码中间的声明段，不校验签名和过期时间：结果只能用于路由和展示，不能用于鉴权
type Parser struct {
	segments *jwt.Parser
}

// NewParser 创建凭证解析器
func NewParser() *Parser {
	return &Parser{
		segments: jwt.NewParser(jwt.WithPaddingAllowed()),
	}
}

// Decode 解析凭证得到身份
func (p *Parser) Decode(credential string) (*model.Identity, error) {
	claims, err := p.claims(credential)
	if err != nil {
		return nil, err
	}

	raw, ok := claims[ClaimUserID]
	if !ok {
		return nil, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("missing %s claim", ClaimUserID))
	}

	var id model.ID
	switch v := raw.(type) {
	case string:
		id = model.ID(v)
	case json.Number:
		id = model.ID(v.String())
	default:
		return nil, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("%s claim has type %T", ClaimUserID, raw))
	}
	if id.IsZero() {
		return nil, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("empty %s claim", ClaimUserID))
	}

	return &model.Identity{ID: id}, nil
}

// Expiry 读取未经校验的 exp 声明（仅用于展示“会话过期时间”）
func (p *Parser) Expiry(credential string) (time.Time, error) {
	claims, err := p.claims(credential)
	if err != nil {
		return time.Time{}, err
	}

	n, ok := claims["exp"].(json.Number)
	if !ok {
		return time.Time{}, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("missing exp claim"))
	}
	sec, err := n.Float64()
	if err != nil {
		return time.Time{}, imErrors.ErrMalformedCredential.Wrap(err)
	}
	return time.Unix(int64(sec), 0), nil
}

// claims 解码声明段
func (p *Parser) claims(credential string) (map[string]any, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 || parts[1] == "" {
		return nil, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("expected 3 segments, got %d", len(parts)))
	}

	// 标准字母表也接受
	segment := strings.NewReplacer("+", "-", "/", "_").Replace(parts[1])
	payload, err := p.segments.DecodeSegment(segment)
	if err != nil {
		return nil, imErrors.ErrMalformedCredential.Wrap(err)
	}
	if !utf8.Valid(payload) {
		return nil, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("claims segment is not utf-8"))
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil {
		return nil, imErrors.ErrMalformedCredential.Wrap(err)
	}
	// 声明段必须恰好是一个 JSON 值，尾部只允许空白
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("trailing data after claims"))
	}
	if claims == nil {
		return nil, imErrors.ErrMalformedCredential.Wrap(fmt.Errorf("claims segment is not an object"))
	}
	return claims, nil
}
