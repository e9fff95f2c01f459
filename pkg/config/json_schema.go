package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	hostnameRegexStringRFC1123 = `^([a-zA-Z0-9]{1}[a-zA-Z0-9-]{0,62}){1}(\.[a-zA-Z0-9]{1}[a-zA-Z0-9-]{0,62})*?$` // accepts hostname starting with a digit https://tools.ietf.org/html/rfc1123

	schemaResource = "config.schema.json"
)

var (
	//go:embed config.schema.json
	JSONSchema string

	hostnameRegexRFC1123 = regexp.MustCompile(hostnameRegexStringRFC1123)
)

// ValidateConfig converts the YAML document to JSON and validates it against schema.
func ValidateConfig(yamlData []byte, schema string) error {
	jsonData, err := yaml.YAMLToJSON(yamlData)
	if err != nil {
		return fmt.Errorf("failed to convert yaml to json: %w", err)
	}

	sch, err := compileSchema(schema)
	if err != nil {
		return err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	return sch.Validate(doc)
}

func compileSchema(schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	c.RegisterFormat(&jsonschema.Format{Name: "go-duration", Validate: validateDuration})
	c.RegisterFormat(&jsonschema.Format{Name: "http-url", Validate: validateURI})
	c.RegisterFormat(&jsonschema.Format{Name: "hostname-port", Validate: validateHostnamePort})

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON schema: %w", err)
	}
	if err := c.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("failed to add resource to JSON schema compiler: %w", err)
	}
	return c.Compile(schemaResource)
}

func validateDuration(v any) error {
	val, ok := v.(string)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fmt.Errorf("invalid duration, given %s", val)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative, given %s", val)
	}
	return nil
}

// validateURI accepts absolute http and https URLs.
func validateURI(v any) error {
	val, ok := v.(string)
	if !ok {
		return nil
	}

	// emulate browser and strip the '#' suffix prior to validation. see issue-#237
	if i := strings.Index(val, "#"); i > -1 {
		val = val[:i]
	}

	u, err := url.ParseRequestURI(val)
	if err != nil {
		return fmt.Errorf("invalid url, given %s", val)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must use http or https, given %s", val)
	}
	if u.Host == "" {
		return fmt.Errorf("url must have a host, given %s", val)
	}
	return nil
}

// validateHostnamePort validates a <dns>:<port> combination for fields typically used for socket address.
func validateHostnamePort(v any) error {
	val, ok := v.(string)
	if !ok {
		return nil
	}

	host, port, err := net.SplitHostPort(val)
	if err != nil {
		return fmt.Errorf("invalid listen address, given %s", val)
	}
	// Port must be an int <= 65535.
	if portNum, err := strconv.ParseInt(port, 10, 32); err != nil || portNum > 65535 || portNum < 0 {
		return fmt.Errorf("invalid port, given %s", val)
	}

	// If host is specified, it should match a DNS name
	if host != "" && !hostnameRegexRFC1123.MatchString(host) && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid host, given %s", val)
	}
	return nil
}
