package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vedprakash-m/vigor-gateway/adapters"
	"github.com/vedprakash-m/vigor-gateway/internal/secrets"
)

// ModelsFile is the parsed form of a models/rules configuration file.
type ModelsFile struct {
	Models []ModelConfiguration
	Rules  []RoutingRule
}

// modelsFileSchema validates the file shape before decoding. Prices are
// strings so the decimal survives both YAML and JSON without float rounding.
const modelsFileSchema = `{
	"type": "object",
	"required": ["models"],
	"properties": {
		"models": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["model_id", "provider", "model_name"],
				"properties": {
					"model_id": {"type": "string", "minLength": 1},
					"provider": {"enum": ["openai", "gemini", "perplexity", "bedrock", "fallback"]},
					"model_name": {"type": "string", "minLength": 1},
					"api_key_ref": {"type": "string"},
					"priority": {"enum": ["fallback", "low", "medium", "high", "critical"]},
					"cost_per_token": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
					"max_tokens": {"type": "integer", "minimum": 1},
					"temperature": {"type": "number", "minimum": 0, "maximum": 2},
					"is_active": {"type": "boolean"}
				}
			}
		},
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "models"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"task_type": {"type": "string"},
					"user_tier": {"enum": ["free", "premium", "enterprise"]},
					"priority": {"enum": ["fallback", "low", "medium", "high", "critical"]},
					"models": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"pin": {"type": "boolean"}
				}
			}
		}
	}
}`

type modelsFileWire struct {
	Models []struct {
		ModelID      string  `json:"model_id" yaml:"model_id"`
		Provider     string  `json:"provider" yaml:"provider"`
		ModelName    string  `json:"model_name" yaml:"model_name"`
		APIKeyRef    string  `json:"api_key_ref" yaml:"api_key_ref"`
		Priority     string  `json:"priority" yaml:"priority"`
		CostPerToken string  `json:"cost_per_token" yaml:"cost_per_token"`
		MaxTokens    int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature  float64 `json:"temperature" yaml:"temperature"`
		IsActive     *bool   `json:"is_active" yaml:"is_active"`
	} `json:"models" yaml:"models"`
	Rules []struct {
		Name     string   `json:"name" yaml:"name"`
		TaskType string   `json:"task_type" yaml:"task_type"`
		UserTier string   `json:"user_tier" yaml:"user_tier"`
		Priority string   `json:"priority" yaml:"priority"`
		Models   []string `json:"models" yaml:"models"`
		Pin      bool     `json:"pin" yaml:"pin"`
	} `json:"rules" yaml:"rules"`
}

// LoadModelsFile reads and validates a models/rules file.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
func LoadModelsFile(path string) (*ModelsFile, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading models file: %w", err)
	}

	var (
		doc  interface{}
		wire modelsFileWire
	)
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing YAML models file: %w", err)
		}
		if err := yaml.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("parsing YAML models file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing JSON models file: %w", err)
		}
		if err := json.Unmarshal(data, &wire); err != nil {
			return nil, fmt.Errorf("parsing JSON models file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported models file extension %q: use .json, .yaml, or .yml", ext)
	}

	schema, err := jsonschema.CompileString("models.schema.json", modelsFileSchema)
	if err != nil {
		return nil, fmt.Errorf("compile models schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid models file: %w", err)
	}

	out := &ModelsFile{}
	for _, w := range wire.Models {
		ref := secrets.Ref{}
		if w.APIKeyRef != "" {
			ref, err = secrets.ParseRef(w.APIKeyRef)
			if err != nil {
				return nil, fmt.Errorf("model %s: %w", w.ModelID, err)
			}
		}
		price := decimal.Zero
		if w.CostPerToken != "" {
			price, err = decimal.NewFromString(w.CostPerToken)
			if err != nil {
				return nil, fmt.Errorf("model %s: cost_per_token: %w", w.ModelID, err)
			}
		}
		prio := adapters.Priority(w.Priority)
		if w.Priority == "" {
			prio = adapters.PriorityMedium
		}
		active := true
		if w.IsActive != nil {
			active = *w.IsActive
		}
		out.Models = append(out.Models, ModelConfiguration{
			ModelID:      w.ModelID,
			Provider:     Provider(w.Provider),
			ModelName:    w.ModelName,
			APIKeyRef:    ref,
			Priority:     prio,
			CostPerToken: price,
			MaxTokens:    w.MaxTokens,
			Temperature:  w.Temperature,
			IsActive:     active,
		})
	}
	for _, w := range wire.Rules {
		out.Rules = append(out.Rules, RoutingRule{
			Name:     w.Name,
			TaskType: w.TaskType,
			UserTier: adapters.Tier(w.UserTier),
			Priority: adapters.Priority(w.Priority),
			Models:   w.Models,
			Pin:      w.Pin,
		})
	}
	return out, nil
}
