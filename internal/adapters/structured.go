package adapters

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ternarybob/cerebrum/internal/kernelerr"
	"github.com/ternarybob/cerebrum/internal/models"
)

// StructuredCodec converts between a template's structured object and
// its deterministic Markdown layout: one H1 title, then one H2 section
// per field mapping, in mapping order. Array fields render as bulleted
// lists and preserve document order on parse; object fields nest one
// level as H3 subsections.
type StructuredCodec struct {
	format *models.StructuredFormat
	md     goldmark.Markdown
}

// NewStructuredCodec creates a codec for one structured format
func NewStructuredCodec(format *models.StructuredFormat) (*StructuredCodec, error) {
	if format == nil {
		return nil, kernelerr.Validation("structured format is required", nil)
	}
	if format.Title == "" {
		return nil, kernelerr.Validation("structured format requires a title key", nil)
	}
	return &StructuredCodec{
		format: format,
		md:     goldmark.New(),
	}, nil
}

// Render emits the Markdown document for a structured object.
func (c *StructuredCodec) Render(data map[string]interface{}) (string, error) {
	title, ok := data[c.format.Title].(string)
	if !ok || title == "" {
		return "", kernelerr.Validation(fmt.Sprintf("field %q must be a non-empty string", c.format.Title), nil)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n", title)

	for _, mapping := range c.format.Mappings {
		value, present := data[mapping.Key]
		if !present {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n\n", mapping.Label)
		if err := c.renderValue(&sb, mapping, value, 3); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}

func (c *StructuredCodec) renderValue(sb *strings.Builder, mapping models.FieldMapping, value interface{}, childLevel int) error {
	switch mapping.Type {
	case models.FieldString:
		s, ok := value.(string)
		if !ok {
			return kernelerr.Validation(fmt.Sprintf("field %q must be a string", mapping.Key), nil)
		}
		fmt.Fprintf(sb, "%s\n", s)

	case models.FieldNumber:
		n, ok := asFloat(value)
		if !ok {
			return kernelerr.Validation(fmt.Sprintf("field %q must be a number", mapping.Key), nil)
		}
		fmt.Fprintf(sb, "%s\n", formatNumber(n))

	case models.FieldArray:
		items, ok := value.([]interface{})
		if !ok {
			return kernelerr.Validation(fmt.Sprintf("field %q must be an array", mapping.Key), nil)
		}
		for _, item := range items {
			line, err := c.formatItem(mapping, item)
			if err != nil {
				return err
			}
			fmt.Fprintf(sb, "- %s\n", line)
		}

	case models.FieldObject:
		obj, ok := value.(map[string]interface{})
		if !ok {
			return kernelerr.Validation(fmt.Sprintf("field %q must be an object", mapping.Key), nil)
		}
		for _, child := range mapping.Children {
			childValue, present := obj[child.Key]
			if !present {
				continue
			}
			fmt.Fprintf(sb, "%s %s\n\n", strings.Repeat("#", childLevel), child.Label)
			if err := c.renderValue(sb, child, childValue, childLevel+1); err != nil {
				return err
			}
			sb.WriteString("\n")
		}

	default:
		return kernelerr.Validation(fmt.Sprintf("field %q has unknown type %q", mapping.Key, mapping.Type), nil)
	}
	return nil
}

// formatItem renders one array item. Object items require an
// ItemFormat; scalar items render with %v.
func (c *StructuredCodec) formatItem(mapping models.FieldMapping, item interface{}) (string, error) {
	obj, isObject := item.(map[string]interface{})
	if !isObject {
		return fmt.Sprintf("%v", item), nil
	}
	if mapping.ItemFormat == "" {
		return "", kernelerr.Validation(fmt.Sprintf("array field %q holds objects but has no item format", mapping.Key), nil)
	}

	line := mapping.ItemFormat
	for _, key := range placeholderKeys(mapping.ItemFormat) {
		value, present := obj[key]
		if !present {
			return "", kernelerr.Validation(fmt.Sprintf("array item in %q is missing field %q", mapping.Key, key), nil)
		}
		rendered := ""
		if n, ok := asFloat(value); ok {
			rendered = formatNumber(n)
		} else {
			rendered = fmt.Sprintf("%v", value)
		}
		line = strings.ReplaceAll(line, "{"+key+"}", rendered)
	}
	return line, nil
}

// Parse reads a structured Markdown document back into an object. A
// document that does not match the format returns an invalid result
// with per-field errors; Data is empty in that case.
func (c *StructuredCodec) Parse(source string) *models.StructuredResult {
	src := []byte(source)
	doc := c.md.Parser().Parse(text.NewReader(src))

	sections, title, errs := splitSections(doc, src)
	data := map[string]interface{}{}

	if title == "" {
		errs = append(errs, "document has no H1 title")
	} else {
		data[c.format.Title] = title
	}

	for _, mapping := range c.format.Mappings {
		section, present := sections[mapping.Label]
		if !present {
			continue
		}
		value, fieldErrs := c.parseSection(mapping, section, src)
		if len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		data[mapping.Key] = value
	}

	if len(errs) > 0 {
		return &models.StructuredResult{
			ValidationStatus: models.ValidationInvalid,
			ValidationErrors: errs,
		}
	}
	return &models.StructuredResult{
		Data:             data,
		ValidationStatus: models.ValidationValid,
	}
}

// section is the run of sibling nodes under one heading.
type section struct {
	nodes []ast.Node
}

// splitSections groups top-level nodes by their preceding H2 heading
// and captures the H1 title.
func splitSections(doc ast.Node, src []byte) (map[string]section, string, []string) {
	sections := map[string]section{}
	var errs []string
	title := ""
	current := ""

	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if heading, ok := node.(*ast.Heading); ok {
			switch heading.Level {
			case 1:
				if title != "" {
					errs = append(errs, "document has more than one H1 title")
				}
				title = nodeText(heading, src)
				current = ""
				continue
			case 2:
				current = nodeText(heading, src)
				sections[current] = section{}
				continue
			}
		}
		if current == "" {
			continue
		}
		s := sections[current]
		s.nodes = append(s.nodes, node)
		sections[current] = s
	}
	return sections, title, errs
}

func (c *StructuredCodec) parseSection(mapping models.FieldMapping, sec section, src []byte) (interface{}, []string) {
	switch mapping.Type {
	case models.FieldString:
		return sectionText(sec, src), nil

	case models.FieldNumber:
		raw := sectionText(sec, src)
		n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, []string{fmt.Sprintf("field %q: %q is not a number", mapping.Key, raw)}
		}
		return n, nil

	case models.FieldArray:
		return c.parseArray(mapping, sec, src)

	case models.FieldObject:
		return c.parseObject(mapping, sec, src)
	}
	return nil, []string{fmt.Sprintf("field %q has unknown type %q", mapping.Key, mapping.Type)}
}

// parseArray collects list items in document order.
func (c *StructuredCodec) parseArray(mapping models.FieldMapping, sec section, src []byte) (interface{}, []string) {
	var items []interface{}
	var errs []string

	for _, node := range sec.nodes {
		list, ok := node.(*ast.List)
		if !ok {
			continue
		}
		for item := list.FirstChild(); item != nil; item = item.NextSibling() {
			line := nodeText(item, src)
			if mapping.ItemFormat == "" {
				items = append(items, line)
				continue
			}
			obj, err := parseItemFormat(mapping.ItemFormat, line)
			if err != nil {
				errs = append(errs, fmt.Sprintf("field %q: %v", mapping.Key, err))
				continue
			}
			items = append(items, obj)
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	if items == nil {
		items = []interface{}{}
	}
	return items, nil
}

// parseObject reads H3 subsections back into the child mappings.
func (c *StructuredCodec) parseObject(mapping models.FieldMapping, sec section, src []byte) (interface{}, []string) {
	// Group nodes under their H3 headings
	children := map[string]section{}
	current := ""
	for _, node := range sec.nodes {
		if heading, ok := node.(*ast.Heading); ok && heading.Level == 3 {
			current = nodeText(heading, src)
			children[current] = section{}
			continue
		}
		if current == "" {
			continue
		}
		s := children[current]
		s.nodes = append(s.nodes, node)
		children[current] = s
	}

	obj := map[string]interface{}{}
	var errs []string
	for _, child := range mapping.Children {
		childSec, present := children[child.Label]
		if !present {
			continue
		}
		value, fieldErrs := c.parseSection(child, childSec, src)
		if len(fieldErrs) > 0 {
			errs = append(errs, fieldErrs...)
			continue
		}
		obj[child.Key] = value
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return obj, nil
}

// sectionText concatenates paragraph text within a section.
func sectionText(sec section, src []byte) string {
	var parts []string
	for _, node := range sec.nodes {
		if _, ok := node.(*ast.Paragraph); ok {
			parts = append(parts, nodeText(node, src))
		}
	}
	return strings.Join(parts, "\n\n")
}

// nodeText collects the raw text under a node.
func nodeText(node ast.Node, src []byte) string {
	var sb strings.Builder
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.String:
			sb.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// placeholderKeys lists the {key} placeholders of an item format in
// order.
func placeholderKeys(format string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(format, -1)
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, m[1])
	}
	return keys
}

// parseItemFormat reverses a rendered item format line back into its
// fields.
func parseItemFormat(format, line string) (map[string]interface{}, error) {
	keys := placeholderKeys(format)
	if len(keys) == 0 {
		return nil, fmt.Errorf("item format %q has no placeholders", format)
	}

	// Build a regex from the format: literals escaped, placeholders as
	// lazy captures with the last one greedy.
	pattern := "^"
	rest := format
	for i, key := range keys {
		idx := strings.Index(rest, "{"+key+"}")
		pattern += regexp.QuoteMeta(rest[:idx])
		if i == len(keys)-1 {
			pattern += "(.+)"
		} else {
			pattern += "(.+?)"
		}
		rest = rest[idx+len(key)+2:]
	}
	pattern += regexp.QuoteMeta(rest) + "$"

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid item format %q: %w", format, err)
	}
	match := re.FindStringSubmatch(line)
	if match == nil {
		return nil, fmt.Errorf("item %q does not match format %q", line, format)
	}

	obj := map[string]interface{}{}
	for i, key := range keys {
		raw := strings.TrimSpace(match[i+1])
		if n, err := strconv.ParseFloat(raw, 64); err == nil {
			obj[key] = n
		} else {
			obj[key] = raw
		}
	}
	return obj, nil
}

// asFloat widens any JSON-decoded numeric value.
func asFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// formatNumber prints integers without a decimal point.
func formatNumber(n float64) string {
	if n == float64(int64(n)) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
