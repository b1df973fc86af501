// Package filter compiles LDAP search filters into SQL predicates over the
// directory schema. Attributes backed by real columns compare directly;
// everything else goes through an aliased join on the attributes table.
package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ber "github.com/go-asn1-ber/asn1-ber"
	"gorm.io/gorm"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/pkg/models"
	"github.com/multidirectory/multidirectory/pkg/store"
)

// Filter choice tags, RFC 4511 section 4.5.1.7.
const (
	tagAnd        = 0
	tagOr         = 1
	tagNot        = 2
	tagEquality   = 3
	tagSubstrings = 4
	tagGreaterEq  = 5
	tagLessEq     = 6
	tagPresent    = 7
	tagApprox     = 8
)

// Substring choice tags.
const (
	subInitial = 0
	subAny     = 1
	subFinal   = 2
)

// ErrUnsupportedFilter reports a filter construct the planner cannot
// translate. The search answers it with protocolError.
var ErrUnsupportedFilter = errors.New("unsupported filter construct")

// GroupResolver resolves a group entry path into its membership closure: a
// subquery of member user ids and the ids of the groups nested below it.
// *store.Store implements it.
type GroupResolver interface {
	GroupMembers(ctx context.Context, groupPath []string) (*gorm.DB, []uint, error)
}

// Planner compiles filters for one naming context.
type Planner struct {
	BaseDN string
	Groups GroupResolver

	// ApproxAsEquality serves `~=` as a plain equality match instead of
	// the inequality form existing deployments use to probe absent values.
	ApproxAsEquality bool

	warnApprox sync.Once
}

// Compile translates a raw filter packet into a predicate.
func (p *Planner) Compile(ctx context.Context, pkt *ber.Packet) (*store.Predicate, error) {
	c := &compiler{planner: p, ctx: ctx}
	return c.compile(pkt)
}

type compiler struct {
	planner *Planner
	ctx     context.Context
	aliases int
}

func (c *compiler) compile(pkt *ber.Packet) (*store.Predicate, error) {
	if pkt == nil || pkt.ClassType != ber.ClassContext {
		return nil, ErrUnsupportedFilter
	}

	switch int(pkt.Tag) {
	case tagAnd, tagOr:
		return c.compileSet(pkt)
	case tagNot:
		return c.compileNot(pkt)
	case tagEquality:
		attr, value, err := attributeValueAssertion(pkt)
		if err != nil {
			return nil, err
		}
		return c.comparison(attr, value, "=")
	case tagApprox:
		attr, value, err := attributeValueAssertion(pkt)
		if err != nil {
			return nil, err
		}
		op := "<>"
		if c.planner.ApproxAsEquality {
			op = "="
		}
		c.planner.warnApprox.Do(func() {
			logger.Warn("approximate match filter served as exact comparison",
				"attribute", attr, "operator", op)
		})
		return c.comparison(attr, value, op)
	case tagGreaterEq:
		attr, value, err := attributeValueAssertion(pkt)
		if err != nil {
			return nil, err
		}
		return c.comparison(attr, value, ">=")
	case tagLessEq:
		attr, value, err := attributeValueAssertion(pkt)
		if err != nil {
			return nil, err
		}
		return c.comparison(attr, value, "<=")
	case tagPresent:
		return c.present(strings.ToLower(string(pkt.Data.Bytes())))
	case tagSubstrings:
		return c.substrings(pkt)
	default:
		return nil, ErrUnsupportedFilter
	}
}

func (c *compiler) compileSet(pkt *ber.Packet) (*store.Predicate, error) {
	if len(pkt.Children) == 0 {
		return nil, ErrUnsupportedFilter
	}
	connector := " AND "
	if int(pkt.Tag) == tagOr {
		connector = " OR "
	}

	exprs := make([]string, 0, len(pkt.Children))
	combined := &store.Predicate{}
	for _, child := range pkt.Children {
		sub, err := c.compile(child)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, sub.Expr)
		combined.Args = append(combined.Args, sub.Args...)
		combined.Joins = append(combined.Joins, sub.Joins...)
	}
	combined.Expr = "(" + strings.Join(exprs, connector) + ")"
	return combined, nil
}

func (c *compiler) compileNot(pkt *ber.Packet) (*store.Predicate, error) {
	if len(pkt.Children) != 1 {
		return nil, ErrUnsupportedFilter
	}
	sub, err := c.compile(pkt.Children[0])
	if err != nil {
		return nil, err
	}
	return &store.Predicate{
		Expr:  "NOT " + parenthesize(sub.Expr),
		Args:  sub.Args,
		Joins: sub.Joins,
	}, nil
}

// comparison routes an attribute assertion to its column, a membership
// subquery, or the attributes join.
func (c *compiler) comparison(attr string, value []byte, op string) (*store.Predicate, error) {
	switch attr {
	case "memberof":
		if op != "=" {
			return nil, ErrUnsupportedFilter
		}
		return c.memberOf(string(value))
	case "objectcategory":
		// AD clients send objectCategory for what the schema stores as the
		// entry's object class.
		attr = "objectclass"
	case "objectsid":
		if decoded, err := models.DecodeSid(value); err == nil && !strings.HasPrefix(string(value), "S-") {
			value = []byte(decoded)
		}
	case "objectguid":
		if len(value) == 16 {
			value = []byte(guidString(value))
		}
	}

	if col, ok := models.SearchableDirectoryColumns[attr]; ok {
		return textCompare("directory."+col, op, string(value)), nil
	}
	if col, ok := models.SearchableUserColumns[attr]; ok {
		return textCompare("users."+col, op, string(value)), nil
	}

	alias := c.nextAlias()
	pred := textCompare(alias+".value", op, string(value))
	pred.Joins = []store.Join{attributeJoin(alias, attr)}
	return pred, nil
}

func (c *compiler) present(attr string) (*store.Predicate, error) {
	if attr == "objectclass" {
		return store.TruePredicate(), nil
	}
	if col, ok := models.SearchableDirectoryColumns[attr]; ok {
		return &store.Predicate{Expr: fmt.Sprintf("directory.%s IS NOT NULL", col)}, nil
	}
	if col, ok := models.SearchableUserColumns[attr]; ok {
		return &store.Predicate{Expr: fmt.Sprintf("users.%s IS NOT NULL", col)}, nil
	}
	alias := c.nextAlias()
	return &store.Predicate{
		Expr:  alias + ".id IS NOT NULL",
		Joins: []store.Join{attributeJoin(alias, attr)},
	}, nil
}

func (c *compiler) substrings(pkt *ber.Packet) (*store.Predicate, error) {
	if len(pkt.Children) != 2 {
		return nil, ErrUnsupportedFilter
	}
	attr := strings.ToLower(childText(pkt.Children[0]))
	if attr == "objectcategory" {
		attr = "objectclass"
	}

	var pattern strings.Builder
	prevAny := false
	for i, sub := range pkt.Children[1].Children {
		text := escapeLike(strings.ToLower(string(sub.Data.Bytes())))
		switch int(sub.Tag) {
		case subInitial:
			if i != 0 {
				return nil, ErrUnsupportedFilter
			}
			pattern.WriteString(text)
			pattern.WriteByte('%')
			prevAny = true
		case subAny:
			if !prevAny {
				pattern.WriteByte('%')
			}
			pattern.WriteString(text)
			pattern.WriteByte('%')
			prevAny = true
		case subFinal:
			if !prevAny {
				pattern.WriteByte('%')
			}
			pattern.WriteString(text)
			prevAny = false
		default:
			return nil, ErrUnsupportedFilter
		}
	}
	if pattern.Len() == 0 {
		return nil, ErrUnsupportedFilter
	}

	like := pattern.String()
	if col, ok := models.SearchableDirectoryColumns[attr]; ok {
		return likePredicate("directory."+col, like), nil
	}
	if col, ok := models.SearchableUserColumns[attr]; ok {
		return likePredicate("users."+col, like), nil
	}
	alias := c.nextAlias()
	pred := likePredicate(alias+".value", like)
	pred.Joins = []store.Join{attributeJoin(alias, attr)}
	return pred, nil
}

func (c *compiler) memberOf(groupDN string) (*store.Predicate, error) {
	path, err := ldap.DNToPath(groupDN, c.planner.BaseDN)
	if err != nil || len(path) == 0 {
		return &store.Predicate{Expr: "1 = 0"}, nil
	}
	users, nested, err := c.planner.Groups.GroupMembers(c.ctx, path)
	if err != nil {
		if errors.Is(err, models.ErrGroupNotFound) {
			return &store.Predicate{Expr: "1 = 0"}, nil
		}
		return nil, err
	}
	// Both user members through the transitive closure and the entries of
	// groups nested below the target match.
	return &store.Predicate{
		Expr: "(users.id IN (?) OR groups.id IN ?)",
		Args: []any{users, nested},
	}, nil
}

func (c *compiler) nextAlias() string {
	c.aliases++
	return fmt.Sprintf("attr%d", c.aliases)
}

func attributeJoin(alias, attr string) store.Join {
	return store.Join{
		Clause: fmt.Sprintf(
			"LEFT JOIN attributes %s ON %s.directory_id = directory.id AND lower(%s.name) = ?",
			alias, alias, alias),
		Args: []any{strings.ToLower(attr)},
	}
}

func textCompare(col, op, value string) *store.Predicate {
	return &store.Predicate{
		Expr: fmt.Sprintf("lower(%s) %s lower(?)", col, op),
		Args: []any{value},
	}
}

func likePredicate(col, pattern string) *store.Predicate {
	return &store.Predicate{
		Expr: fmt.Sprintf("lower(%s) LIKE ?", col),
		Args: []any{pattern},
	}
}

func parenthesize(expr string) string {
	if strings.HasPrefix(expr, "(") {
		return expr
	}
	return "(" + expr + ")"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func attributeValueAssertion(pkt *ber.Packet) (string, []byte, error) {
	if len(pkt.Children) != 2 {
		return "", nil, ErrUnsupportedFilter
	}
	attr := strings.ToLower(childText(pkt.Children[0]))
	if attr == "" {
		return "", nil, ErrUnsupportedFilter
	}
	return attr, rawValue(pkt.Children[1]), nil
}

func childText(p *ber.Packet) string {
	if s, ok := p.Value.(string); ok {
		return s
	}
	return string(p.Data.Bytes())
}

func rawValue(p *ber.Packet) []byte {
	if s, ok := p.Value.(string); ok {
		return []byte(s)
	}
	return p.Data.Bytes()
}
