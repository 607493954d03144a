package ai

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/invopop/jsonschema"
)

// LabelSchemaName names the structured output format sent to providers
// that support JSON schemas.
const LabelSchemaName = "cluster_labels"

// clusterOutput is the per-cluster shape the model must return.
type clusterOutput struct {
	Reasoning string `json:"reasoning" jsonschema:"required,description=Short explanation of the core stance of the cluster"`
	Label     string `json:"label" jsonschema:"required,description=One or two word neutral agentive noun"`
	Summary   string `json:"summary" jsonschema:"required,description=Neutral summary of the cluster perspective"`
}

const (
	propertiesKey           = "properties"
	additionalPropertiesKey = "additionalProperties"
	typeKey                 = "type"
	requiredKey             = "required"
)

// LabelSchema returns the JSON schema of a labeling answer for n clusters:
// {"clusters": {"0": {...}, ..., "n-1": {...}}} with every key required.
func LabelSchema(n int) (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  false,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	cluster, err := schemaToMap(reflector.Reflect(&clusterOutput{}))
	if err != nil {
		return nil, fmt.Errorf("reflect cluster schema: %w", err)
	}
	delete(cluster, "$schema")
	delete(cluster, "$id")
	ensureStrict(cluster)

	props := make(map[string]interface{}, n)
	keys := make([]string, 0, n)
	for k := 0; k < n; k++ {
		key := strconv.Itoa(k)
		props[key] = cluster
		keys = append(keys, key)
	}

	return map[string]interface{}{
		typeKey: "object",
		propertiesKey: map[string]interface{}{
			"clusters": map[string]interface{}{
				typeKey:                 "object",
				propertiesKey:           props,
				requiredKey:             keys,
				additionalPropertiesKey: false,
			},
		},
		requiredKey:             []string{"clusters"},
		additionalPropertiesKey: false,
	}, nil
}

func schemaToMap(schema *jsonschema.Schema) (map[string]interface{}, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ensureStrict makes every object closed with all properties required,
// which strict structured-output modes demand.
func ensureStrict(schema map[string]interface{}) {
	if t, ok := schema[typeKey].(string); ok && t == "object" {
		schema[additionalPropertiesKey] = false
		if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
			required := make([]string, 0, len(properties))
			for name := range properties {
				required = append(required, name)
			}
			sort.Strings(required)
			if len(required) > 0 {
				schema[requiredKey] = required
			}
		}
	}
	if properties, ok := schema[propertiesKey].(map[string]interface{}); ok {
		for _, prop := range properties {
			if m, ok := prop.(map[string]interface{}); ok {
				ensureStrict(m)
			}
		}
	}
}
