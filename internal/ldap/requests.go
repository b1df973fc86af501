package ldap

import (
	"errors"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// ErrMalformedRequest reports a protocolOp whose body does not match its
// ASN.1 definition. Handlers answer it with protocolError.
var ErrMalformedRequest = errors.New("malformed request")

// Authentication choice tags inside BindRequest.
const (
	AuthSimple = 0
	AuthSASL   = 3
)

// Search scopes. SubordinateSubtree is the draft value some AD clients send.
const (
	ScopeBaseObject         = 0
	ScopeSingleLevel        = 1
	ScopeWholeSubtree       = 2
	ScopeSubordinateSubtree = 3
)

// Modify change operations.
const (
	ModifyAdd     = 0
	ModifyDelete  = 1
	ModifyReplace = 2
)

// AttributeValue is one value of a partial attribute. Raw always holds the
// wire bytes; String is the UTF-8 rendering used for text attributes.
type AttributeValue struct {
	Raw []byte
}

func (v AttributeValue) String() string {
	return string(v.Raw)
}

// PartialAttribute is an attribute description with its values.
type PartialAttribute struct {
	Type   string
	Values []AttributeValue
}

// StringValues returns the values in their UTF-8 form.
func (a PartialAttribute) StringValues() []string {
	out := make([]string, len(a.Values))
	for i, v := range a.Values {
		out[i] = v.String()
	}
	return out
}

// BindRequest is a decoded [APPLICATION 0] BindRequest.
type BindRequest struct {
	Version  int64
	Name     string
	AuthTag  int
	Password string // simple authentication only
	SASLMech string
}

// DecodeBindRequest decodes the bind protocolOp.
func DecodeBindRequest(op *ber.Packet) (*BindRequest, error) {
	if len(op.Children) != 3 {
		return nil, ErrMalformedRequest
	}
	version, ok := childInt(op.Children[0])
	if !ok {
		return nil, ErrMalformedRequest
	}

	auth := op.Children[2]
	if auth.ClassType != ber.ClassContext {
		return nil, ErrMalformedRequest
	}

	req := &BindRequest{
		Version: version,
		Name:    childString(op.Children[1]),
		AuthTag: int(auth.Tag),
	}
	switch auth.Tag {
	case AuthSimple:
		req.Password = string(auth.Data.Bytes())
	case AuthSASL:
		if len(auth.Children) >= 1 {
			req.SASLMech = childString(auth.Children[0])
		}
	}
	return req, nil
}

// SearchRequest is a decoded [APPLICATION 3] SearchRequest. Filter stays a
// raw packet; the filter package compiles it.
type SearchRequest struct {
	BaseObject   string
	Scope        int
	DerefAliases int
	SizeLimit    int64
	TimeLimit    int64
	TypesOnly    bool
	Filter       *ber.Packet
	Attributes   []string
}

// DecodeSearchRequest decodes the search protocolOp.
func DecodeSearchRequest(op *ber.Packet) (*SearchRequest, error) {
	if len(op.Children) != 8 {
		return nil, ErrMalformedRequest
	}
	scope, okScope := childInt(op.Children[1])
	deref, okDeref := childInt(op.Children[2])
	sizeLimit, okSize := childInt(op.Children[3])
	timeLimit, okTime := childInt(op.Children[4])
	typesOnly, okTypes := childBool(op.Children[5])
	if !okScope || !okDeref || !okSize || !okTime || !okTypes {
		return nil, ErrMalformedRequest
	}
	if scope < ScopeBaseObject || scope > ScopeSubordinateSubtree {
		return nil, ErrMalformedRequest
	}

	req := &SearchRequest{
		BaseObject:   childString(op.Children[0]),
		Scope:        int(scope),
		DerefAliases: int(deref),
		SizeLimit:    sizeLimit,
		TimeLimit:    timeLimit,
		TypesOnly:    typesOnly,
		Filter:       op.Children[6],
	}
	for _, attr := range op.Children[7].Children {
		req.Attributes = append(req.Attributes, childString(attr))
	}
	return req, nil
}

// ModifyChange is one element of the Modify changes sequence.
type ModifyChange struct {
	Operation int
	Attribute PartialAttribute
}

// ModifyRequest is a decoded [APPLICATION 6] ModifyRequest.
type ModifyRequest struct {
	Object  string
	Changes []ModifyChange
}

// DecodeModifyRequest decodes the modify protocolOp.
func DecodeModifyRequest(op *ber.Packet) (*ModifyRequest, error) {
	if len(op.Children) != 2 {
		return nil, ErrMalformedRequest
	}
	req := &ModifyRequest{Object: childString(op.Children[0])}
	for _, change := range op.Children[1].Children {
		if len(change.Children) != 2 {
			return nil, ErrMalformedRequest
		}
		operation, ok := childInt(change.Children[0])
		if !ok || operation < ModifyAdd || operation > ModifyReplace {
			return nil, ErrMalformedRequest
		}
		attr, err := decodePartialAttribute(change.Children[1])
		if err != nil {
			return nil, err
		}
		req.Changes = append(req.Changes, ModifyChange{
			Operation: int(operation),
			Attribute: attr,
		})
	}
	return req, nil
}

// AddRequest is a decoded [APPLICATION 8] AddRequest.
type AddRequest struct {
	Entry      string
	Attributes []PartialAttribute
}

// DecodeAddRequest decodes the add protocolOp.
func DecodeAddRequest(op *ber.Packet) (*AddRequest, error) {
	if len(op.Children) != 2 {
		return nil, ErrMalformedRequest
	}
	req := &AddRequest{Entry: childString(op.Children[0])}
	for _, attr := range op.Children[1].Children {
		pa, err := decodePartialAttribute(attr)
		if err != nil {
			return nil, err
		}
		req.Attributes = append(req.Attributes, pa)
	}
	return req, nil
}

// DeleteRequest is a decoded [APPLICATION 10] DelRequest. The operation body
// is the DN itself, primitive.
type DeleteRequest struct {
	DN string
}

// DecodeDeleteRequest decodes the delete protocolOp.
func DecodeDeleteRequest(op *ber.Packet) (*DeleteRequest, error) {
	return &DeleteRequest{DN: string(op.Data.Bytes())}, nil
}

// ModifyDNRequest is a decoded [APPLICATION 12] ModifyDNRequest.
type ModifyDNRequest struct {
	Entry        string
	NewRDN       string
	DeleteOldRDN bool
	NewSuperior  string // empty when absent
}

// DecodeModifyDNRequest decodes the modify DN protocolOp.
func DecodeModifyDNRequest(op *ber.Packet) (*ModifyDNRequest, error) {
	if len(op.Children) < 3 {
		return nil, ErrMalformedRequest
	}
	deleteOld, ok := childBool(op.Children[2])
	if !ok {
		return nil, ErrMalformedRequest
	}
	req := &ModifyDNRequest{
		Entry:        childString(op.Children[0]),
		NewRDN:       childString(op.Children[1]),
		DeleteOldRDN: deleteOld,
	}
	if len(op.Children) > 3 {
		sup := op.Children[3]
		if sup.ClassType != ber.ClassContext || sup.Tag != 0 {
			return nil, ErrMalformedRequest
		}
		req.NewSuperior = string(sup.Data.Bytes())
	}
	return req, nil
}

// CompareRequest is a decoded [APPLICATION 14] CompareRequest.
type CompareRequest struct {
	Entry          string
	AttributeType  string
	AttributeValue AttributeValue
}

// DecodeCompareRequest decodes the compare protocolOp.
func DecodeCompareRequest(op *ber.Packet) (*CompareRequest, error) {
	if len(op.Children) != 2 || len(op.Children[1].Children) != 2 {
		return nil, ErrMalformedRequest
	}
	ava := op.Children[1]
	return &CompareRequest{
		Entry:          childString(op.Children[0]),
		AttributeType:  childString(ava.Children[0]),
		AttributeValue: AttributeValue{Raw: rawBytes(ava.Children[1])},
	}, nil
}

// AbandonRequest is a decoded [APPLICATION 16] AbandonRequest. The body is
// the message id to abandon, primitive.
type AbandonRequest struct {
	TargetID int64
}

// DecodeAbandonRequest decodes the abandon protocolOp.
func DecodeAbandonRequest(op *ber.Packet) (*AbandonRequest, error) {
	id, err := ber.ParseInt64(op.Data.Bytes())
	if err != nil {
		return nil, ErrMalformedRequest
	}
	return &AbandonRequest{TargetID: id}, nil
}

// ExtendedRequest is a decoded [APPLICATION 23] ExtendedRequest.
type ExtendedRequest struct {
	Name  string // requestName OID
	Value []byte
}

// DecodeExtendedRequest decodes the extended protocolOp.
func DecodeExtendedRequest(op *ber.Packet) (*ExtendedRequest, error) {
	if len(op.Children) < 1 {
		return nil, ErrMalformedRequest
	}
	name := op.Children[0]
	if name.ClassType != ber.ClassContext || name.Tag != 0 {
		return nil, ErrMalformedRequest
	}
	req := &ExtendedRequest{Name: string(name.Data.Bytes())}
	if len(op.Children) > 1 {
		req.Value = rawBytes(op.Children[1])
	}
	return req, nil
}

func decodePartialAttribute(p *ber.Packet) (PartialAttribute, error) {
	if len(p.Children) != 2 {
		return PartialAttribute{}, ErrMalformedRequest
	}
	attr := PartialAttribute{Type: childString(p.Children[0])}
	for _, val := range p.Children[1].Children {
		attr.Values = append(attr.Values, AttributeValue{Raw: rawBytes(val)})
	}
	return attr, nil
}

// childString renders a child packet's content as a string, falling back to
// the raw bytes for context-class values the decoder leaves opaque.
func childString(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	return string(p.Data.Bytes())
}

func rawBytes(p *ber.Packet) []byte {
	if s, ok := p.Value.(string); ok {
		return []byte(s)
	}
	return p.Data.Bytes()
}

func childInt(p *ber.Packet) (int64, bool) {
	switch v := p.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	default:
		if p.ClassType == ber.ClassUniversal && (p.Tag == ber.TagInteger || p.Tag == ber.TagEnumerated) {
			if n, err := ber.ParseInt64(p.Data.Bytes()); err == nil {
				return n, true
			}
		}
		return 0, false
	}
}

func childBool(p *ber.Packet) (bool, bool) {
	if b, ok := p.Value.(bool); ok {
		return b, true
	}
	data := p.Data.Bytes()
	if len(data) == 1 {
		return data[0] != 0, true
	}
	return false, false
}
