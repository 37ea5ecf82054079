package client

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// node is a JSON value that keeps object keys in document order.
type node struct {
	keys   []string
	fields []*node
	items  []*node
	scalar any
	kind   nodeKind
}

type nodeKind int

const (
	kindScalar nodeKind = iota
	kindObject
	kindArray
)

// get returns the first field named key.
func (n *node) get(key string) (*node, bool) {
	if n == nil || n.kind != kindObject {
		return nil, false
	}
	for i, k := range n.keys {
		if k == key {
			return n.fields[i], true
		}
	}
	return nil, false
}

func decodeOrdered(data []byte) (*node, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty body")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return readNode(dec)
}

func readNode(dec *json.Decoder) (*node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	delim, ok := tok.(json.Delim)
	if !ok {
		return &node{kind: kindScalar, scalar: tok}, nil
	}

	switch delim {
	case '{':
		n := &node{kind: kindObject}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("object key is %T", keyTok)
			}
			child, err := readNode(dec)
			if err != nil {
				return nil, err
			}
			n.keys = append(n.keys, key)
			n.fields = append(n.fields, child)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return n, nil
	case '[':
		n := &node{kind: kindArray}
		for dec.More() {
			child, err := readNode(dec)
			if err != nil {
				return nil, err
			}
			n.items = append(n.items, child)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return n, nil
	}
	return nil, fmt.Errorf("unexpected delimiter %q", delim)
}

var firstNumber = regexp.MustCompile(`-?[\d,]+(?:\.\d+)?`)

// parseFirstNumber reads the first number embedded in text, ignoring thousands separators.
func parseFirstNumber(text string) (float64, bool) {
	m := firstNumber.FindString(text)
	if m == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// toFloat converts numbers and numeric strings; anything else is absent.
func toFloat(n *node) (float64, bool) {
	if n == nil || n.kind != kindScalar {
		return 0, false
	}
	switch v := n.scalar.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case float64:
		return v, true
	case string:
		return parseFirstNumber(v)
	}
	return 0, false
}
