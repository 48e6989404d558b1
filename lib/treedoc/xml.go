// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package treedoc

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Reserved attribute names carrying node identity and position. They
// are lifted into Node fields on parse and emitted first, in this
// order, on serialization. They never appear in Node.Attributes.
const (
	attrID        = "id"
	attrParentID  = "parentID"
	attrLevel     = "level"
	attrPath      = "path"
	attrSortOrder = "sortOrder"
	attrRevision  = "revision"
)

// rootTag is the element name of the synthetic root.
const rootTag = "root"

// MarshalDocument serializes the document to canonical indented UTF-8
// XML: an XML declaration, an inline doctype declaring the schema
// tags, then the tree with two-space indentation. Reserved attributes
// come first in fixed order, followed by domain attributes in sorted
// key order, so the same logical tree always produces identical bytes.
func MarshalDocument(d *Document) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	writeDoctype(&buf, d)

	encoder := xml.NewEncoder(&buf)
	encoder.Indent("", "  ")
	if err := encodeNode(encoder, d.root); err != nil {
		return nil, fmt.Errorf("treedoc: serializing document: %w", err)
	}
	if err := encoder.Flush(); err != nil {
		return nil, fmt.Errorf("treedoc: serializing document: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// writeDoctype emits an inline DTD declaring every schema tag. Legacy
// documents and documents with an empty schema get no doctype.
func writeDoctype(buf *bytes.Buffer, d *Document) {
	tags := d.SchemaTags()
	if d.legacy || len(tags) == 0 {
		return
	}
	buf.WriteString("<!DOCTYPE root [\n")
	for _, tag := range tags {
		buf.WriteString("<!ELEMENT ")
		buf.WriteString(tag)
		buf.WriteString(" ANY>\n")
	}
	buf.WriteString("]>\n")
}

// encodeNode emits the node and its subtree with an explicit work
// stack, like [Document.Walk], so serialization depth is independent
// of tree depth.
func encodeNode(encoder *xml.Encoder, node *Node) error {
	type frame struct {
		node    *Node
		closing bool
	}
	stack := []frame{{node: node}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.closing {
			end := xml.EndElement{Name: xml.Name{Local: top.node.Tag}}
			if err := encoder.EncodeToken(end); err != nil {
				return err
			}
			continue
		}
		start := xml.StartElement{Name: xml.Name{Local: top.node.Tag}}
		if top.node.id != RootID {
			start.Attr = nodeAttrList(top.node)
		}
		if err := encoder.EncodeToken(start); err != nil {
			return err
		}
		for i := range top.node.Data {
			if err := encodeData(encoder, &top.node.Data[i]); err != nil {
				return err
			}
		}
		stack = append(stack, frame{node: top.node, closing: true})
		for i := len(top.node.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: top.node.children[i]})
		}
	}
	return nil
}

func encodeData(encoder *xml.Encoder, data *DataElement) error {
	start := xml.StartElement{
		Name: xml.Name{Local: data.Name},
		Attr: sortedAttrList(data.Attributes),
	}
	if err := encoder.EncodeToken(start); err != nil {
		return err
	}
	if data.Value != "" {
		if err := encoder.EncodeToken(xml.CharData(data.Value)); err != nil {
			return err
		}
	}
	return encoder.EncodeToken(start.End())
}

func nodeAttrList(node *Node) []xml.Attr {
	attrs := []xml.Attr{
		{Name: xml.Name{Local: attrID}, Value: strconv.FormatInt(int64(node.id), 10)},
		{Name: xml.Name{Local: attrParentID}, Value: strconv.FormatInt(int64(node.ParentID()), 10)},
		{Name: xml.Name{Local: attrLevel}, Value: strconv.Itoa(node.level)},
		{Name: xml.Name{Local: attrPath}, Value: node.path},
		{Name: xml.Name{Local: attrSortOrder}, Value: strconv.Itoa(node.SortOrder)},
		{Name: xml.Name{Local: attrRevision}, Value: strconv.FormatInt(node.Revision, 10)},
	}
	return append(attrs, sortedAttrList(node.Attributes)...)
}

func sortedAttrList(attributes map[string]string) []xml.Attr {
	if len(attributes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attributes))
	for key := range attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]xml.Attr, len(keys))
	for i, key := range keys {
		attrs[i] = xml.Attr{Name: xml.Name{Local: key}, Value: attributes[key]}
	}
	return attrs
}

// UnmarshalDocument parses a document previously produced by
// [MarshalDocument] (or an equivalent out-of-process writer). The
// schema registry is rebuilt from the doctype when present, and
// additionally from the tags actually encountered, so a file without
// a doctype still yields a usable schema.
func UnmarshalDocument(data []byte) (*Document, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	doc := New()

	// stack of open identity nodes; stack[0] is the root once seen.
	var stack []*Node

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("treedoc: parsing document: %w", err)
		}
		switch t := token.(type) {
		case xml.Directive:
			parseDoctype(doc, string(t))
		case xml.StartElement:
			if len(stack) == 0 {
				if t.Name.Local != rootTag {
					return nil, fmt.Errorf("treedoc: document element is %q, want %q", t.Name.Local, rootTag)
				}
				stack = append(stack, doc.root)
				continue
			}
			if !hasIDAttr(t) {
				// Data element: belongs to the innermost open node.
				element, err := decodeDataElement(decoder, t)
				if err != nil {
					return nil, err
				}
				owner := stack[len(stack)-1]
				owner.Data = append(owner.Data, element)
				continue
			}
			node, err := nodeFromStart(t)
			if err != nil {
				return nil, err
			}
			parent := stack[len(stack)-1]
			if err := doc.AppendChild(parent, node); err != nil {
				return nil, fmt.Errorf("treedoc: parsing document: %w", err)
			}
			doc.EnsureSchemaTag(node.Tag)
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("treedoc: truncated document")
	}
	return doc, nil
}

// ParseFragment parses a single serialized node fragment from the row
// source: one element carrying the reserved identity attributes, with
// data children only. An identity child inside a fragment violates
// the serializer contract.
func ParseFragment(data []byte) (*Node, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	var node *Node
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("treedoc: parsing fragment: %w", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if node == nil {
			node, err = nodeFromStart(start)
			if err != nil {
				return nil, err
			}
			continue
		}
		if hasIDAttr(start) {
			return nil, fmt.Errorf("treedoc: fragment for node %d contains identity child %q", node.id, start.Name.Local)
		}
		element, err := decodeDataElement(decoder, start)
		if err != nil {
			return nil, err
		}
		node.Data = append(node.Data, element)
	}
	if node == nil {
		return nil, fmt.Errorf("treedoc: empty fragment")
	}
	return node, nil
}

// parseDoctype extracts "<!ELEMENT name ANY>" declarations from the
// document's inline DTD and registers each name as a schema tag.
// Anything else in the directive is ignored.
func parseDoctype(doc *Document, directive string) {
	remaining := directive
	for {
		index := strings.Index(remaining, "<!ELEMENT")
		if index < 0 {
			return
		}
		remaining = remaining[index+len("<!ELEMENT"):]
		fields := strings.Fields(remaining)
		if len(fields) > 0 {
			doc.EnsureSchemaTag(fields[0])
		}
	}
}

// decodeDataElement consumes tokens up to the matching end element
// and returns the data element. Character data is concatenated; any
// nested markup is flattened to its character content (data values
// are plain text in this model).
func decodeDataElement(decoder *xml.Decoder, start xml.StartElement) (DataElement, error) {
	element := DataElement{Name: start.Name.Local}
	if len(start.Attr) > 0 {
		element.Attributes = make(map[string]string, len(start.Attr))
		for _, attr := range start.Attr {
			element.Attributes[attr.Name.Local] = attr.Value
		}
	}
	var value strings.Builder
	depth := 1
	for depth > 0 {
		token, err := decoder.Token()
		if err != nil {
			return element, fmt.Errorf("treedoc: parsing data element %q: %w", element.Name, err)
		}
		switch t := token.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			value.Write(t)
		}
	}
	element.Value = value.String()
	return element, nil
}

// nodeFromStart builds a detached node from a start element, lifting
// the reserved attributes into fields. The id attribute is required;
// the rest default to zero values when absent (absent revision means
// "always dirty" to the patcher, which compares against it).
func nodeFromStart(start xml.StartElement) (*Node, error) {
	node := NewNode(0, start.Name.Local)
	sawID := false
	for _, attr := range start.Attr {
		switch attr.Name.Local {
		case attrID:
			id, err := strconv.ParseInt(attr.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("treedoc: element %q: bad id %q", start.Name.Local, attr.Value)
			}
			node.id = ID(id)
			sawID = true
		case attrParentID:
			parentID, err := strconv.ParseInt(attr.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("treedoc: element %q: bad parentID %q", start.Name.Local, attr.Value)
			}
			node.parentID = ID(parentID)
		case attrLevel:
			level, err := strconv.Atoi(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("treedoc: element %q: bad level %q", start.Name.Local, attr.Value)
			}
			node.level = level
		case attrPath:
			node.path = attr.Value
		case attrSortOrder:
			sortOrder, err := strconv.Atoi(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("treedoc: element %q: bad sortOrder %q", start.Name.Local, attr.Value)
			}
			node.SortOrder = sortOrder
		case attrRevision:
			revision, err := strconv.ParseInt(attr.Value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("treedoc: element %q: bad revision %q", start.Name.Local, attr.Value)
			}
			node.Revision = revision
		default:
			node.Attributes[attr.Name.Local] = attr.Value
		}
	}
	if !sawID {
		return nil, fmt.Errorf("treedoc: element %q has no id attribute", start.Name.Local)
	}
	return node, nil
}

// hasIDAttr reports whether the start element carries an id
// attribute, which is what distinguishes an identity node from a data
// element in both documents and fragments.
func hasIDAttr(start xml.StartElement) bool {
	for _, attr := range start.Attr {
		if attr.Name.Local == attrID {
			return true
		}
	}
	return false
}
