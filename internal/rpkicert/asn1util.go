package rpkicert

import "encoding/asn1"

// asn1OID decodes a DER-encoded OBJECT IDENTIFIER TLV into dotted string form.
func asn1OID(full []byte) string {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(full, &oid); err != nil {
		return ""
	}
	return oid.String()
}

// generalNameURI extracts the URI out of a GeneralName CHOICE value when
// it is tagged uniformResourceIdentifier [6] IA5String (RFC 5280 §4.2.1.6);
// any other choice yields an empty string.
func generalNameURI(rv asn1.RawValue) string {
	if rv.Class != asn1.ClassContextSpecific || rv.Tag != 6 {
		return ""
	}
	return string(rv.Bytes)
}
