package store

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Codec serializes documents.
type Codec interface {
	// Name is the configuration name of the codec.
	Name() string
	// Ext is the file extension, including the dot.
	Ext() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type xmlCodec struct{}

func (xmlCodec) Name() string { return "xml" }
func (xmlCodec) Ext() string  { return ".xml" }

func (xmlCodec) Marshal(v any) ([]byte, error) {
	data, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), append(data, '\n')...), nil
}

func (xmlCodec) Unmarshal(data []byte, v any) error { return xml.Unmarshal(data, v) }

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Ext() string  { return ".json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type yamlCodec struct{}

func (yamlCodec) Name() string                       { return "yaml" }
func (yamlCodec) Ext() string                        { return ".yaml" }
func (yamlCodec) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (yamlCodec) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }

// The supported codecs.
var (
	XML  Codec = xmlCodec{}
	JSON Codec = jsonCodec{}
	YAML Codec = yamlCodec{}
)

// Codecs lists the supported codecs, the default first.
var Codecs = []Codec{XML, JSON, YAML}

// CodecFor returns the codec named name ("xml", "json" or "yaml").
func CodecFor(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "xml", "":
		return XML, nil
	case "json":
		return JSON, nil
	case "yaml", "yml":
		return YAML, nil
	}
	return nil, fmt.Errorf("unknown storage format %q (must be xml, json or yaml)", name)
}

// codecForExt returns the codec that writes files with extension ext.
func codecForExt(ext string) (Codec, bool) {
	ext = strings.ToLower(ext)
	if ext == ".yml" {
		return YAML, true
	}
	for _, c := range Codecs {
		if c.Ext() == ext {
			return c, true
		}
	}
	return nil, false
}
