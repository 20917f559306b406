package config

import (
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// topLevelAlias maps a Spanish top-level section spelling to its canonical
// English one, matching the teacher's pattern of recognizing more than one
// spelling per key (deprecated.go's legacyConfigData migration,
// generalized here to a declarative table instead of one-off migrate*
// methods).
var topLevelAlias = map[string]string{
	"tiempo_ejecucion": "runtime",
	"memoria":          "memory",
	"cascada":          "cascade",
	"salud":            "health",
}

// leafAlias maps "<canonical-section>.<alias-leaf>" to the canonical leaf
// key within that section.
var leafAlias = map[string]string{
	"memory.tiempo_inactivo_segundos":      "idle_ttl_seconds",
	"memory.usar_mmap":                     "use_mmap",
	"memory.bloquear_residente":            "lock_resident",
	"cascade.patrones_forzados":            "force_patterns",
	"health.segundos_alerta_oom":           "oom_warn_seconds",
	"cache.niveles_cuantizacion":           "quant_levels",
	"cache.tiempo_vida_semantico_segundos": "semantic_ttl_seconds",
	"runtime.modelos_concurrentes_max":     "max_concurrent_models",
	"runtime.hilos_trabajador":             "worker_threads",
}

// knownTopLevel lists the recognised top-level sections (English spelling,
// post-alias-resolution); anything else logs an unknown-key warning rather
// than failing.
var knownTopLevel = map[string]bool{
	"runtime": true, "memory": true, "cascade": true, "health": true,
	"cache": true, "embedding": true, "refiner": true, "server": true, "audit": true,
	"metacontrol": true,
}

// resolveAliases rewrites any recognised alias spelling (top-level section
// or leaf key) in data to its canonical form, returning YAML bytes ready
// for typed Unmarshal. Keys with no alias entry pass through untouched.
func resolveAliases(data []byte) []byte {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil || raw == nil {
		return data // let the caller's typed Unmarshal surface the real error
	}

	canonical := make(map[string]any, len(raw))
	for section, v := range raw {
		canonicalSection := section
		if alt, ok := topLevelAlias[section]; ok {
			canonicalSection = alt
		}
		if nested, ok := v.(map[string]any); ok {
			v = resolveLeafAliases(canonicalSection, nested)
		}
		canonical[canonicalSection] = v
	}

	out, err := yaml.Marshal(canonical)
	if err != nil {
		return data
	}
	return out
}

func resolveLeafAliases(section string, m map[string]any) map[string]any {
	resolved := make(map[string]any, len(m))
	for k, v := range m {
		canonicalKey := k
		if alt, ok := leafAlias[section+"."+k]; ok {
			canonicalKey = alt
		}
		resolved[canonicalKey] = v
	}
	return resolved
}

// warnUnknownKeys logs (without failing) any top-level key that is neither
// a canonical section name nor a recognised alias.
func warnUnknownKeys(data []byte) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	for k := range raw {
		if knownTopLevel[k] {
			continue
		}
		if _, aliased := topLevelAlias[k]; aliased {
			continue
		}
		logrus.WithField("key", k).Warn("config: unknown top-level key ignored")
	}
}
