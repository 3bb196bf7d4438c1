package pass

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sensiblebit/passkit/internal/config"
	"github.com/sensiblebit/passkit/internal/passerr"
)

// Field keys the builder fills with member data.
const (
	FieldMember         = "member"
	FieldMemberFullName = "memberFullName"
	FieldTier           = "tier"
)

const defaultTierLabel = "RAZINA"

// Pass styles in the order the builder looks for them in a skeleton.
var passStyles = []string{"storeCard", "generic", "coupon", "eventTicket", "boardingPass"}

var fieldGroups = []string{"headerFields", "primaryFields", "secondaryFields", "auxiliaryFields", "backFields"}

// Manifest is the typed view of pass.json used by callers and tests. The
// builder itself works on the untyped document so template keys it does not
// know about survive.
type Manifest struct {
	FormatVersion       int       `json:"formatVersion"`
	Description         string    `json:"description"`
	OrganizationName    string    `json:"organizationName"`
	PassTypeIdentifier  string    `json:"passTypeIdentifier"`
	TeamIdentifier      string    `json:"teamIdentifier"`
	SerialNumber        string    `json:"serialNumber"`
	WebServiceURL       string    `json:"webServiceURL,omitempty"`
	AuthenticationToken string    `json:"authenticationToken,omitempty"`
	BackgroundColor     string    `json:"backgroundColor,omitempty"`
	ForegroundColor     string    `json:"foregroundColor,omitempty"`
	LabelColor          string    `json:"labelColor,omitempty"`
	Barcode             *Barcode  `json:"barcode,omitempty"`
	Barcodes            []Barcode `json:"barcodes,omitempty"`
	StoreCard           *FieldSet `json:"storeCard,omitempty"`
	Generic             *FieldSet `json:"generic,omitempty"`
}

// Barcode is a pass barcode dictionary.
type Barcode struct {
	Message         string `json:"message"`
	Format          string `json:"format"`
	MessageEncoding string `json:"messageEncoding,omitempty"`
	AltText         string `json:"altText,omitempty"`
}

// FieldSet holds the field groups of one pass style.
type FieldSet struct {
	HeaderFields    []Field `json:"headerFields,omitempty"`
	PrimaryFields   []Field `json:"primaryFields,omitempty"`
	SecondaryFields []Field `json:"secondaryFields,omitempty"`
	AuxiliaryFields []Field `json:"auxiliaryFields,omitempty"`
	BackFields      []Field `json:"backFields,omitempty"`
}

// Field is one label/value pair on the card face or back.
type Field struct {
	Key           string `json:"key"`
	Label         string `json:"label,omitempty"`
	Value         any    `json:"value"`
	TextAlignment string `json:"textAlignment,omitempty"`
	LabelColor    string `json:"labelColor,omitempty"`
}

// ParseManifest decodes pass.json.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing pass.json: %w", err)
	}
	return &m, nil
}

// Style returns the populated field set, preferring storeCard.
func (m *Manifest) Style() *FieldSet {
	if m.StoreCard != nil {
		return m.StoreCard
	}
	return m.Generic
}

// Field finds a field by key across all groups.
func (fs *FieldSet) Field(key string) (Field, bool) {
	if fs == nil {
		return Field{}, false
	}
	for _, group := range [][]Field{fs.HeaderFields, fs.PrimaryFields, fs.SecondaryFields, fs.AuxiliaryFields, fs.BackFields} {
		for _, f := range group {
			if f.Key == key {
				return f, true
			}
		}
	}
	return Field{}, false
}

// composeManifest merges deployment identity and member data into a copy of
// the template skeleton. Deployment identifiers always override the
// skeleton; member values are written into fields located by key.
func composeManifest(doc map[string]any, cfg config.Pass, m Member, serial string) map[string]any {
	if _, ok := doc["formatVersion"]; !ok {
		doc["formatVersion"] = 1
	}
	doc["passTypeIdentifier"] = cfg.TypeIdentifier
	doc["teamIdentifier"] = cfg.TeamIdentifier
	if cfg.OrganizationName != "" {
		doc["organizationName"] = cfg.OrganizationName
	}
	if cfg.Description != "" {
		doc["description"] = cfg.Description
	}
	doc["serialNumber"] = serial
	if cfg.WebServiceURL != "" {
		doc["webServiceURL"] = cfg.WebServiceURL
		doc["authenticationToken"] = cfg.AuthenticationToken
	} else {
		delete(doc, "webServiceURL")
		delete(doc, "authenticationToken")
	}

	applyBarcode(doc, m.MemberID)

	style := styleDict(doc)
	setField(style, "primaryFields", FieldMember, strings.ToUpper(m.FullName), "")
	setField(style, "secondaryFields", FieldMemberFullName, m.FullName, "")
	if m.Tier != "" {
		setField(style, "auxiliaryFields", FieldTier, m.Tier, defaultTierLabel)
	}
	return doc
}

// applyBarcode sets the member ID as message and alt text on the legacy
// barcode dictionary and on every entry of barcodes, creating the array
// from the dictionary when the skeleton has none.
func applyBarcode(doc map[string]any, memberID string) {
	legacy, _ := doc["barcode"].(map[string]any)
	list, _ := doc["barcodes"].([]any)

	if legacy == nil && len(list) > 0 {
		if first, ok := list[0].(map[string]any); ok {
			legacy = cloneMap(first)
			doc["barcode"] = legacy
		}
	}
	if legacy == nil {
		return
	}
	if _, ok := legacy["messageEncoding"]; !ok {
		legacy["messageEncoding"] = "utf-8"
	}
	legacy["message"] = memberID
	legacy["altText"] = memberID

	if len(list) == 0 {
		doc["barcodes"] = []any{cloneMap(legacy)}
		return
	}
	for _, item := range list {
		if bc, ok := item.(map[string]any); ok {
			if _, ok := bc["messageEncoding"]; !ok {
				bc["messageEncoding"] = "utf-8"
			}
			bc["message"] = memberID
			bc["altText"] = memberID
		}
	}
}

// styleDict returns the pass style dictionary, creating storeCard when the
// skeleton has none. Field groups written at the top level are moved into
// the style, where Wallet expects them.
func styleDict(doc map[string]any) map[string]any {
	var style map[string]any
	for _, key := range passStyles {
		if s, ok := doc[key].(map[string]any); ok {
			style = s
			break
		}
	}
	if style == nil {
		style = map[string]any{}
		doc["storeCard"] = style
	}
	for _, group := range fieldGroups {
		if top, ok := doc[group]; ok {
			if _, exists := style[group]; !exists {
				style[group] = top
			}
			delete(doc, group)
		}
	}
	return style
}

// setField replaces the value of the field with key in group, appending the
// field when the group lacks it.
func setField(style map[string]any, group, key string, value any, label string) {
	fields, _ := style[group].([]any)
	for _, item := range fields {
		f, ok := item.(map[string]any)
		if ok && f["key"] == key {
			f["value"] = value
			return
		}
	}
	style[group] = append(fields, map[string]any{"key": key, "label": label, "value": value})
}

// validateManifest checks the fields Wallet refuses to import without.
func validateManifest(doc map[string]any) error {
	const op = "pass.ValidateManifest"

	var missing []string
	for _, key := range []string{"description", "organizationName", "passTypeIdentifier", "teamIdentifier", "serialNumber"} {
		if s, _ := doc[key].(string); strings.TrimSpace(s) == "" {
			missing = append(missing, key)
		}
	}
	if !hasBarcodeFormat(doc) {
		missing = append(missing, "barcode.format")
	}
	if len(missing) > 0 {
		return &passerr.Error{
			Kind:   passerr.KindMissingField,
			Op:     op,
			Detail: missing[0],
			Fields: missing,
		}
	}
	return nil
}

func hasBarcodeFormat(doc map[string]any) bool {
	if bc, ok := doc["barcode"].(map[string]any); ok {
		if f, _ := bc["format"].(string); f != "" {
			return true
		}
	}
	list, _ := doc["barcodes"].([]any)
	for _, item := range list {
		if bc, ok := item.(map[string]any); ok {
			if f, _ := bc["format"].(string); f != "" {
				return true
			}
		}
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
