package rls

import (
	"fmt"
	"strconv"
	"strings"
)

// DSL Syntax:
// version <n>
// engine <key>=<value>...
// mask "<text>"
// policy <identity> <role> none|region:<key>|customers:<k1,k2,...> [pii:true|false]

type DSLParser struct {
	line int
}

func NewDSLParser() *DSLParser {
	return &DSLParser{}
}

type DSLEncoder struct {
	buf []byte
}

func NewDSLEncoder() *DSLEncoder {
	return &DSLEncoder{buf: make([]byte, 0, 1024)}
}

func (e *DSLEncoder) Encode(cfg *Config) ([]byte, error) {
	e.buf = e.buf[:0]

	e.buf = append(e.buf, "version "...)
	e.buf = strconv.AppendUint(e.buf, uint64(cfg.Version), 10)
	e.buf = append(e.buf, '\n')

	if strings.ContainsAny(cfg.Engine.AppIDPrefix, " \t\n\"") {
		return nil, fmt.Errorf("app id prefix %q cannot be expressed in the DSL", cfg.Engine.AppIDPrefix)
	}
	if kv := engineKeyValues(&cfg.Engine); len(kv) > 0 {
		e.buf = append(e.buf, "engine"...)
		for _, s := range kv {
			e.buf = append(e.buf, ' ')
			e.buf = append(e.buf, s...)
		}
		e.buf = append(e.buf, '\n')
	}
	if cfg.Engine.MaskText != "" {
		if strings.ContainsAny(cfg.Engine.MaskText, "\"\n") {
			return nil, fmt.Errorf("mask text %q cannot be expressed in the DSL", cfg.Engine.MaskText)
		}
		e.buf = append(e.buf, "mask \""...)
		e.buf = append(e.buf, cfg.Engine.MaskText...)
		e.buf = append(e.buf, "\"\n"...)
	}

	for _, p := range cfg.Policies {
		if p == nil {
			continue
		}
		if strings.ContainsAny(string(p.Identity), " \t\n\"") {
			return nil, fmt.Errorf("identity %q cannot be expressed in the DSL", p.Identity)
		}
		e.buf = append(e.buf, "policy "...)
		e.buf = append(e.buf, p.Identity...)
		e.buf = append(e.buf, ' ')
		e.buf = append(e.buf, p.Role...)
		e.buf = append(e.buf, ' ')
		switch p.FilterType {
		case FilterRegion:
			e.buf = append(e.buf, "region:"...)
			if p.RegionKey != nil {
				e.buf = strconv.AppendInt(e.buf, *p.RegionKey, 10)
			}
		case FilterCustomers:
			e.buf = append(e.buf, "customers:"...)
			for i, k := range p.CustomerKeys {
				if i > 0 {
					e.buf = append(e.buf, ',')
				}
				e.buf = strconv.AppendInt(e.buf, k, 10)
			}
		default:
			e.buf = append(e.buf, p.FilterType...)
		}
		if p.ShowPII != "" {
			e.buf = append(e.buf, " pii:"...)
			e.buf = append(e.buf, strings.ToLower(string(p.ShowPII))...)
		}
		e.buf = append(e.buf, '\n')
	}

	return e.buf, nil
}

func engineKeyValues(c *EngineConfig) []string {
	var kv []string
	if c.AppIDPrefix != "" {
		kv = append(kv, "app_id_prefix="+c.AppIDPrefix)
	}
	if c.AuditBuffer > 0 {
		kv = append(kv, "audit_buffer="+strconv.Itoa(c.AuditBuffer))
	}
	if c.ModelCacheNumCounters > 0 {
		kv = append(kv, "model_cache_num_counters="+strconv.FormatInt(c.ModelCacheNumCounters, 10))
	}
	if c.ModelCacheMaxCost > 0 {
		kv = append(kv, "model_cache_max_cost="+strconv.FormatInt(c.ModelCacheMaxCost, 10))
	}
	if c.ModelCacheBufferItems > 0 {
		kv = append(kv, "model_cache_buffer_items="+strconv.FormatInt(c.ModelCacheBufferItems, 10))
	}
	return kv
}

func (p *DSLParser) Parse(data []byte) (*Config, error) {
	cfg := &Config{
		Version:  ConfigVersion,
		Policies: make([]*AccessPolicy, 0, 16),
	}

	p.line = 0
	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		p.line++
		line := data[start:i]
		start = i + 1

		for len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			line = line[1:]
		}
		for len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t' || line[len(line)-1] == '\r') {
			line = line[:len(line)-1]
		}
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		parts := splitLineBytes(line)
		if len(parts) == 0 {
			continue
		}

		var err error
		switch parts[0] {
		case "version":
			err = p.parseVersion(cfg, parts[1:])
		case "engine":
			err = p.parseEngine(cfg, parts[1:])
		case "mask":
			err = p.parseMask(cfg, parts[1:])
		case "policy":
			err = p.parsePolicy(cfg, parts[1:])
		default:
			err = fmt.Errorf("unknown directive: %s", parts[0])
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", p.line, err)
		}
	}

	return cfg, nil
}

func splitLineBytes(line []byte) []string {
	parts := make([]string, 0, 8)
	var start int
	inQuote := false

	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case ch == '"' && inQuote:
			parts = append(parts, string(line[start:i]))
			start = i + 1
			inQuote = false
		case ch == '"':
			start = i + 1
			inQuote = true
		case (ch == ' ' || ch == '\t') && !inQuote:
			if i > start {
				parts = append(parts, string(line[start:i]))
			}
			start = i + 1
		}
	}

	if start < len(line) {
		parts = append(parts, string(line[start:]))
	}
	return parts
}

func (p *DSLParser) parseVersion(cfg *Config, parts []string) error {
	if len(parts) != 1 {
		return fmt.Errorf("version requires: <n>")
	}
	v, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return fmt.Errorf("version: %w", err)
	}
	cfg.Version = uint16(v)
	return nil
}

func (p *DSLParser) parseMask(cfg *Config, parts []string) error {
	if len(parts) != 1 || parts[0] == "" {
		return fmt.Errorf("mask requires: \"<text>\"")
	}
	cfg.Engine.MaskText = parts[0]
	return nil
}

func (p *DSLParser) parseEngine(cfg *Config, parts []string) error {
	for _, kv := range parts {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("engine setting %q is not key=value", kv)
		}
		var err error
		switch key {
		case "app_id_prefix":
			cfg.Engine.AppIDPrefix = val
		case "audit_buffer":
			cfg.Engine.AuditBuffer, err = strconv.Atoi(val)
		case "model_cache_num_counters":
			cfg.Engine.ModelCacheNumCounters, err = strconv.ParseInt(val, 10, 64)
		case "model_cache_max_cost":
			cfg.Engine.ModelCacheMaxCost, err = strconv.ParseInt(val, 10, 64)
		case "model_cache_buffer_items":
			cfg.Engine.ModelCacheBufferItems, err = strconv.ParseInt(val, 10, 64)
		default:
			return fmt.Errorf("unknown engine setting: %s", key)
		}
		if err != nil {
			return fmt.Errorf("engine %s: %w", key, err)
		}
	}
	return nil
}

func (p *DSLParser) parsePolicy(cfg *Config, parts []string) error {
	if len(parts) < 3 {
		return fmt.Errorf("policy requires: <identity> <role> <filter> [pii:<bool>]")
	}

	pol := &AccessPolicy{
		Identity: Identity(parts[0]),
		Role:     Role(parts[1]),
	}

	filter := parts[2]
	switch {
	case strings.HasPrefix(filter, "region:"):
		key, err := strconv.ParseInt(filter[len("region:"):], 10, 64)
		if err != nil {
			return fmt.Errorf("region key: %w", err)
		}
		pol.FilterType = FilterRegion
		pol.RegionKey = &key
	case strings.HasPrefix(filter, "customers:"):
		keys, err := parseKeys(filter[len("customers:"):])
		if err != nil {
			return err
		}
		pol.FilterType = FilterCustomers
		pol.CustomerKeys = keys
	default:
		pol.FilterType = FilterType(filter)
	}

	for _, opt := range parts[3:] {
		v, ok := strings.CutPrefix(opt, "pii:")
		if !ok {
			return fmt.Errorf("unknown policy option: %s", opt)
		}
		pol.ShowPII = PIIFlag(v)
	}

	cfg.Policies = append(cfg.Policies, pol)
	return nil
}

func parseKeys(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	fields := strings.Split(s, ",")
	keys := make([]int64, 0, len(fields))
	for _, f := range fields {
		k, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("customer key %q: %w", f, err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
