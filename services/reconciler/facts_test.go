package reconciler

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestExtractRhsmFacts(t *testing.T) {
	host := testHost("org1", uuid.New(), "subman-1")
	host.Facts = []FactSet{
		factSet("rhsm", map[string]any{
			"IS_VIRTUAL":       "True",
			"SLA":              "Premium",
			"USAGE":            "Production",
			"SYNC_TIMESTAMP":   "2026-03-15T08:00:00Z",
			"BILLING_MODEL":    "marketplace",
			"SYSPURPOSE_UNITS": "Sockets",
			"RH_PROD":          []any{"69", "408"},
		}),
	}

	facts := ExtractRhsmFacts(&host)
	if !facts.Present {
		t.Fatal("expected rhsm facts to be present")
	}
	if !facts.IsVirtual {
		t.Error("expected IsVirtual from string fact")
	}
	if facts.SLA != "Premium" || facts.Usage != "Production" {
		t.Errorf("unexpected sla/usage: %q/%q", facts.SLA, facts.Usage)
	}
	if facts.BillingModel != "marketplace" {
		t.Errorf("unexpected billing model: %q", facts.BillingModel)
	}
	if facts.SyspurposeUnits != "Sockets" {
		t.Errorf("unexpected syspurpose units: %q", facts.SyspurposeUnits)
	}
	if want := []string{"69", "408"}; !reflect.DeepEqual(facts.ProductIDs, want) {
		t.Errorf("product ids = %v, want %v", facts.ProductIDs, want)
	}
}

func TestExtractRhsmFactsMissingNamespace(t *testing.T) {
	host := testHost("org1", uuid.New(), "subman-1")
	facts := ExtractRhsmFacts(&host)
	if facts.Present {
		t.Error("expected absent rhsm facts")
	}
	if facts.IsVirtual || facts.SLA != "" {
		t.Error("expected zero-valued facts")
	}
}

func TestExtractSatelliteFacts(t *testing.T) {
	host := testHost("org1", uuid.New(), "subman-1")
	host.Facts = []FactSet{
		factSet("satellite", map[string]any{
			"virtual_host_uuid":    "hv-uuid",
			"system_purpose_sla":   "Standard",
			"system_purpose_usage": "Development/Test",
			"system_purpose_role":  "Red Hat Enterprise Linux Server",
		}),
	}

	facts := ExtractSatelliteFacts(&host)
	if !facts.Present {
		t.Fatal("expected satellite facts to be present")
	}
	if facts.HypervisorUUID != "hv-uuid" {
		t.Errorf("unexpected hypervisor uuid: %q", facts.HypervisorUUID)
	}
	if facts.SLA != "Standard" || facts.Usage != "Development/Test" {
		t.Errorf("unexpected sla/usage: %q/%q", facts.SLA, facts.Usage)
	}
}

func TestExtractSystemProfileFacts(t *testing.T) {
	host := testHost("org1", uuid.New(), "subman-1")
	host.SystemProfile = map[string]any{
		"arch":                "x86_64",
		"infrastructure_type": "virtual",
		"cores_per_socket":    float64(4),
		"number_of_sockets":   "2",
		"number_of_cpus":      float64(16),
		"threads_per_core":    float64(2),
		"cloud_provider":      "aws",
		"host_type":           "edge",
		"is_marketplace":      true,
		"conversions":         map[string]any{"activity": true},
		"installed_products": []any{
			map[string]any{"name": "OpenShift Container Platform", "id": "290"},
		},
	}

	facts := ExtractSystemProfileFacts(&host)
	if facts.Arch != "x86_64" || facts.InfrastructureType != "virtual" {
		t.Errorf("unexpected arch/infra: %q/%q", facts.Arch, facts.InfrastructureType)
	}
	if facts.CoresPerSocket != 4 || facts.Sockets != 2 || facts.CPUs != 16 || facts.ThreadsPerCore != 2 {
		t.Errorf("unexpected cpu topology: %+v", facts)
	}
	if facts.CloudProvider != "aws" || facts.HostType != "edge" {
		t.Errorf("unexpected cloud/host type: %q/%q", facts.CloudProvider, facts.HostType)
	}
	if !facts.IsMarketplace || !facts.Is3rdPartyMigrated {
		t.Error("expected marketplace and conversion flags")
	}
	if want := []string{"OpenShift Container Platform", "290"}; !reflect.DeepEqual(facts.InstalledProducts, want) {
		t.Errorf("installed products = %v, want %v", facts.InstalledProducts, want)
	}
}

func TestExtractSystemProfileFactsAbsent(t *testing.T) {
	host := testHost("org1", uuid.New(), "subman-1")
	facts := ExtractSystemProfileFacts(&host)
	if facts.Sockets != 0 || facts.Arch != "" {
		t.Errorf("expected zero-valued facts, got %+v", facts)
	}
}

func TestIntFact(t *testing.T) {
	tests := []struct {
		name string
		bag  map[string]any
		want int
	}{
		{"float", map[string]any{"v": float64(4)}, 4},
		{"int", map[string]any{"v": 4}, 4},
		{"string", map[string]any{"v": " 4 "}, 4},
		{"bad string", map[string]any{"v": "four"}, 0},
		{"missing", map[string]any{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := intFact(tt.bag, "v"); got != tt.want {
				t.Errorf("intFact = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBoolFact(t *testing.T) {
	tests := []struct {
		name string
		bag  map[string]any
		want bool
	}{
		{"bool true", map[string]any{"v": true}, true},
		{"string true", map[string]any{"v": "True"}, true},
		{"string false", map[string]any{"v": "false"}, false},
		{"garbage", map[string]any{"v": "yep"}, false},
		{"missing", map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := boolFact(tt.bag, "v"); got != tt.want {
				t.Errorf("boolFact = %v, want %v", got, tt.want)
			}
		})
	}
}
