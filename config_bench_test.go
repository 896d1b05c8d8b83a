package rls

import (
	"strconv"
	"testing"

	"gopkg.in/yaml.v3"
)

// generateTestConfig builds n policies cycling through the three filter
// strategies.
func generateTestConfig(n int) *Config {
	b := NewConfigBuilder().EngineSettings(func(c *EngineConfig) {
		c.AppIDPrefix = "BENCH"
		c.AuditBuffer = 128
	})
	for i := 0; i < n; i++ {
		id := Identity("user-" + strconv.Itoa(i) + "@tpch.com")
		switch i % 3 {
		case 0:
			b.AddPolicy(NewPolicyBuilder(id).Role(RoleGlobalAdmin).FullAccess().ShowPII(i%2 == 0).Build())
		case 1:
			b.AddPolicy(NewPolicyBuilder(id).Role(RoleRegionalDirector).Region(int64(i % 5)).Build())
		default:
			b.AddPolicy(NewPolicyBuilder(id).Role(RoleSalesRep).Customers(int64(i), int64(i+1), int64(i+2)).Build())
		}
	}
	return b.Build()
}

func BenchmarkDSLParse(b *testing.B) {
	data, err := NewDSLEncoder().Encode(generateTestConfig(100))
	if err != nil {
		b.Fatal(err)
	}
	parser := NewDSLParser()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = parser.Parse(data)
	}
}

func BenchmarkDSLEncode(b *testing.B) {
	cfg := generateTestConfig(100)
	enc := NewDSLEncoder()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = enc.Encode(cfg)
	}
}

func BenchmarkMsgpackEncode(b *testing.B) {
	cfg := generateTestConfig(100)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = cfg.ToMsgpack()
	}
}

func BenchmarkMsgpackDecode(b *testing.B) {
	data, _ := generateTestConfig(100).ToMsgpack()
	loader := NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadMsgpack(data)
	}
}

func BenchmarkYAMLEncode(b *testing.B) {
	cfg := generateTestConfig(100)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = yaml.Marshal(cfg)
	}
}

func BenchmarkYAMLDecode(b *testing.B) {
	data, _ := generateTestConfig(100).ToYAML()
	loader := NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadYAML(data)
	}
}

func BenchmarkJSONDecode(b *testing.B) {
	data, _ := generateTestConfig(100).ToJSON()
	loader := NewConfigLoader()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = loader.LoadJSON(data)
	}
}

func BenchmarkStoreBuildLarge(b *testing.B) {
	cfg := generateTestConfig(10000)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = cfg.Store()
	}
}

func TestGeneratedConfigIsValid(t *testing.T) {
	if err := generateTestConfig(30).Validate(); err != nil {
		t.Fatalf("generated config should validate: %v", err)
	}
}
