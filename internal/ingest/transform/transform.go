// Package transform implements the Record Transformer (C2): it decodes one
// scanned record byte-span, normalizes it into a graph.Node, classifies it
// as system or user, and extracts references.
package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lisaross/tana-local-kb-sub000/internal/graph"
	"github.com/lisaross/tana-local-kb-sub000/internal/textutil"
)

// systemNames is the closed set of well-known system-node names (§4.2).
var systemNames = map[string]struct{}{
	"System": {}, "Templates": {}, "Daily notes": {}, "Inbox": {}, "Home": {},
	"Library": {}, "Schema": {}, "Configuration": {}, "Settings": {},
	"Workspace": {}, "All pages": {}, "Supertags": {}, "Fields": {},
	"Trash": {}, "Archive": {},
}

var systemTypes = map[string]struct{}{
	"system": {}, "template": {}, "schema": {}, "config": {}, "workspace": {},
}

var systemDocTypes = map[string]struct{}{
	"system": {}, "template": {}, "schema": {}, "workspace": {}, "supertag": {}, "field": {},
}

// contentFallbackFields is the ordered list tried when both content and
// name are empty (§4.2).
var contentFallbackFields = []string{"content", "text", "body", "description", "value"}

// Options configures transformer behavior — the subset of IngestConfig that
// actually affects normalization (config.IngestConfig carries the rest).
type Options struct {
	NormalizeContent bool
	PreserveRaw      bool
	IncludeFields    []string
	ExcludeFields    []string
}

// RawRecord is the decoded JSON map for one record, before normalization.
type RawRecord map[string]any

// Result is the transformer's output: the decoded raw record (if
// PreserveRaw) plus the normalized Node and extracted reference ids.
type Result struct {
	Raw        RawRecord
	Node       graph.Node
	References []string
}

// Transform decodes one record byte-span and normalizes it.
func Transform(data []byte, opts Options) (Result, error) {
	var raw RawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return Result{}, graph.Malformed(0)
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return Result{}, graph.Validation("id", "required", "")
	}
	if !graph.ValidID(id) {
		return Result{}, graph.Validation("id", "pattern", id)
	}

	name, _ := raw["name"].(string)
	if len(name) > graph.MaxNameBytes {
		return Result{}, graph.Validation("name", "max_length", fmt.Sprintf("%d", len(name)))
	}

	createdAt, err := extractCreatedAt(raw)
	if err != nil {
		return Result{}, err
	}

	content, err := extractContent(raw, name, opts)
	if err != nil {
		return Result{}, err
	}
	if len(content) > graph.MaxContentBytes {
		return Result{}, graph.Validation("content", "max_length", fmt.Sprintf("%d", len(content)))
	}

	nodeType := classifyType(raw)
	docType, _ := raw["docType"].(string)
	ownerID, _ := raw["ownerId"].(string)

	fields := projectFields(raw, opts)
	fieldsJSON, err := marshalCapped(fields, graph.MaxFieldsBytes)
	if err != nil {
		return Result{}, graph.Validation("fields_json", "max_length", "")
	}

	refs := extractReferences(raw, name, fields)

	isSystem := classifySystem(raw, id, name, nodeType, docType)

	node := graph.Node{
		ID:           id,
		Name:         name,
		Content:      content,
		DocType:      docType,
		OwnerID:      ownerID,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		NodeType:     nodeType,
		IsSystemNode: isSystem,
		FieldsJSON:   fieldsJSON,
	}

	meta := map[string]any{"parsedAt": time.Now().UTC().Format(time.RFC3339Nano)}
	metaJSON, _ := marshalCapped(meta, graph.MaxMetadataBytes)
	node.MetadataJSON = metaJSON

	result := Result{Node: node, References: refs}
	if opts.PreserveRaw {
		result.Raw = raw
	}
	return result, nil
}

func extractCreatedAt(raw RawRecord) (time.Time, error) {
	v, ok := raw["created"]
	if !ok {
		return time.Time{}, graph.Validation("created_at", "required", "")
	}
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, graph.Validation("created_at", "finite", fmt.Sprintf("%v", v))
	}
	return textutil.NormalizeTimestamp(int64(f)), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// extractContent implements the §4.2 content-derivation fallback chain.
func extractContent(raw RawRecord, name string, opts Options) (string, error) {
	content, _ := raw["content"].(string)
	if content == "" {
		content = name
	}
	if content == "" {
		for _, field := range contentFallbackFields {
			if v, ok := raw[field].(string); ok && v != "" {
				content = v
				break
			}
		}
	}
	if opts.NormalizeContent {
		content = textutil.StripLeadingMarkup(content)
	}
	return content, nil
}

// classifyType implements the §4.2 type-inference rule.
func classifyType(raw RawRecord) graph.NodeType {
	if t, ok := raw["type"].(string); ok && t != "" {
		switch graph.NodeType(t) {
		case graph.NodeTypeNode, graph.NodeTypeField, graph.NodeTypeReference:
			return graph.NodeType(t)
		}
	}
	if _, ok := raw["dataType"]; ok {
		return graph.NodeTypeField
	}
	return graph.NodeTypeNode
}

// classifySystem implements the §4.2 system-node classification rule: true
// if any of the enumerated conditions hold.
func classifySystem(raw RawRecord, id, name string, nodeType graph.NodeType, docType string) bool {
	if b, ok := raw["sys"].(bool); ok && b {
		return true
	}
	for _, prefix := range []string{"SYS_", "SYSTEM_", "_"} {
		if strings.HasPrefix(id, prefix) || strings.HasPrefix(name, prefix) {
			return true
		}
	}
	if _, ok := systemNames[name]; ok {
		return true
	}
	if rawType, ok := raw["type"].(string); ok {
		if _, ok := systemTypes[rawType]; ok {
			return true
		}
	}
	if _, ok := systemTypes[string(nodeType)]; ok {
		return true
	}
	if _, ok := systemDocTypes[strings.ToLower(docType)]; ok {
		return true
	}
	for _, flag := range []string{"isSystem", "systemNode", "template", "schema"} {
		if b, ok := raw[flag].(bool); ok && b {
			return true
		}
	}
	return false
}

// extractReferences implements the §4.2 reference-extraction rule: the
// union of explicit refs, [[...]]/#.../@... extractions from name, and any
// property value that looks like a node id.
func extractReferences(raw RawRecord, name string, fields map[string]any) []string {
	var refs []string

	if explicit, ok := raw["refs"].([]any); ok {
		for _, v := range explicit {
			if s, ok := v.(string); ok && s != "" {
				refs = append(refs, s)
			}
		}
	}

	refs = append(refs, textutil.ExtractBracketRefs(name)...)
	refs = append(refs, textutil.ExtractHashTags(name)...)
	refs = append(refs, textutil.ExtractAtMentions(name)...)

	var propValues []string
	collectStringValues(fields, &propValues)
	sort.Strings(propValues)
	for _, v := range propValues {
		if textutil.LooksLikeNodeID(v) {
			refs = append(refs, v)
		}
	}

	return textutil.Dedupe(refs)
}

func collectStringValues(v any, out *[]string) {
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			collectStringValues(t[k], out)
		}
	case []any:
		for _, e := range t {
			collectStringValues(e, out)
		}
	}
}

// projectFields builds the property bag kept on the node, applying
// include_fields/exclude_fields (§4.3) and excluding the fields already
// promoted to first-class Node columns.
func projectFields(raw RawRecord, opts Options) map[string]any {
	reserved := map[string]struct{}{
		"id": {}, "name": {}, "content": {}, "created": {}, "type": {},
		"docType": {}, "ownerId": {}, "sys": {}, "refs": {},
	}
	include := toSet(opts.IncludeFields)
	exclude := toSet(opts.ExcludeFields)

	fields := make(map[string]any)
	for k, v := range raw {
		if _, ok := reserved[k]; ok {
			continue
		}
		if len(include) > 0 {
			if _, ok := include[k]; !ok {
				continue
			}
		}
		if _, ok := exclude[k]; ok {
			continue
		}
		fields[k] = v
	}
	return fields
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func marshalCapped(v any, max int) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if len(data) > max {
		return "", fmt.Errorf("encoded value exceeds %d bytes", max)
	}
	return string(data), nil
}
