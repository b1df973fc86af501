package ldap

import (
	ber "github.com/go-asn1-ber/asn1-ber"
)

// Context tags used in responses.
const (
	contextTagReferral              = 3
	contextTagExtendedResponseName  = 10
	contextTagExtendedResponseValue = 11
)

// Result carries the LDAPResult fields shared by all operation responses.
type Result struct {
	Code       ResultCode
	MatchedDN  string
	Diagnostic string
	Referral   []string
}

// Success is the all-clear result.
var Success = Result{Code: ResultSuccess}

// Error builds a result with a diagnostic message.
func Error(code ResultCode, diagnostic string) Result {
	return Result{Code: code, Diagnostic: diagnostic}
}

func appendResult(op *ber.Packet, r Result) {
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int(r.Code), "Result Code"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.MatchedDN, "Matched DN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, r.Diagnostic, "Diagnostic Message"))
	if len(r.Referral) > 0 {
		referral := ber.Encode(ber.ClassContext, ber.TypeConstructed, contextTagReferral, nil, "Referral")
		for _, uri := range r.Referral {
			referral.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri, "URI"))
		}
		op.AppendChild(referral)
	}
}

func resultOp(tag int, desc string, r Result) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ber.Tag(tag), nil, desc)
	appendResult(op, r)
	return op
}

// BindResponse builds an [APPLICATION 1] BindResponse protocolOp.
func BindResponse(r Result) *ber.Packet {
	return resultOp(ApplicationBindResponse, "Bind Response", r)
}

// SearchResultDone builds an [APPLICATION 5] SearchResultDone protocolOp.
func SearchResultDone(r Result) *ber.Packet {
	return resultOp(ApplicationSearchResultDone, "Search Result Done", r)
}

// ModifyResponse builds an [APPLICATION 7] ModifyResponse protocolOp.
func ModifyResponse(r Result) *ber.Packet {
	return resultOp(ApplicationModifyResponse, "Modify Response", r)
}

// AddResponse builds an [APPLICATION 9] AddResponse protocolOp.
func AddResponse(r Result) *ber.Packet {
	return resultOp(ApplicationAddResponse, "Add Response", r)
}

// DeleteResponse builds an [APPLICATION 11] DelResponse protocolOp.
func DeleteResponse(r Result) *ber.Packet {
	return resultOp(ApplicationDelResponse, "Delete Response", r)
}

// ModifyDNResponse builds an [APPLICATION 13] ModifyDNResponse protocolOp.
func ModifyDNResponse(r Result) *ber.Packet {
	return resultOp(ApplicationModifyDNResponse, "Modify DN Response", r)
}

// CompareResponse builds an [APPLICATION 15] CompareResponse protocolOp.
func CompareResponse(r Result) *ber.Packet {
	return resultOp(ApplicationCompareResponse, "Compare Response", r)
}

// ExtendedResponse builds an [APPLICATION 24] ExtendedResponse protocolOp.
// name is the responseName OID; either may be empty.
func ExtendedResponse(r Result, name string, value []byte) *ber.Packet {
	op := resultOp(ApplicationExtendedResponse, "Extended Response", r)
	if name != "" {
		op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, contextTagExtendedResponseName, name, "Response Name"))
	}
	if len(value) > 0 {
		respValue := ber.Encode(ber.ClassContext, ber.TypePrimitive, contextTagExtendedResponseValue, nil, "Response Value")
		respValue.Data.Write(value)
		op.AppendChild(respValue)
	}
	return op
}

// EntryAttribute is one attribute of a search result entry.
type EntryAttribute struct {
	Name   string
	Values [][]byte
}

// SearchResultEntry builds an [APPLICATION 4] SearchResultEntry protocolOp.
func SearchResultEntry(dn string, attrs []EntryAttribute) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ApplicationSearchResultEntry, nil, "Search Result Entry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "Object Name"))

	attrList := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, attr := range attrs {
		seq := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
		seq.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, attr.Name, "Type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
		for _, v := range attr.Values {
			val := ber.Encode(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, nil, "Value")
			val.Data.Write(v)
			vals.AppendChild(val)
		}
		seq.AppendChild(vals)
		attrList.AppendChild(seq)
	}
	op.AppendChild(attrList)
	return op
}
