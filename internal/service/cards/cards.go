package cards

import (
	"encoding/json"
	"log"
	"maps"
	"slices"
	"strings"

	assistantmodel "github.com/zhouzirui/avatar-bridge/backend/internal/model/assistant"
	"github.com/zhouzirui/avatar-bridge/backend/internal/model/conversation"
)

// Fixed variable keys.
const (
	KeySearch              = "public-search"
	KeyCustomExtensionCard = "public-customExtensionCard"
	KeyLink                = "public-neuralSeekLink"
	KeyBrowserID           = "public-browserIdSet"
	KeyError               = "public-error"
)

// Renderer component names.
const (
	ComponentSearch          = "search"
	ComponentCustomExtension = "customExtensionCard"
	ComponentLink            = "neuralSeekLink"
	ComponentBrowserID       = "browserIdSet"
	ComponentError           = "error"
)

const browserIDFlag = "browserIdSet"

// Card is a UI directive the renderer turns into a component.
type Card struct {
	Data      any    `json:"data"`
	Component string `json:"component"`
	Type      string `json:"type,omitempty"`
	ID        string `json:"id,omitempty"`
}

// ExtractContext converts the reply's context and search results into
// renderer variables for connection id.
func ExtractContext(resp *assistantmodel.MessageResponse, vars conversation.Variables, id string) {
	if resp == nil {
		return
	}
	ctx := SelectContext(resp)

	if truthy(ctx[browserIDFlag]) {
		store(vars, KeyBrowserID, Card{Data: map[string]any{"id": id}, Component: ComponentBrowserID})
	}

	addPublicVariables(ctx, vars, id)
	addSearchCard(resp, vars, id)
}

// SelectContext prefers the actions skill variables over the dialog skill's
// user-defined context.
func SelectContext(resp *assistantmodel.MessageResponse) map[string]any {
	if actions := resp.Skill(assistantmodel.ActionsSkill).SkillVariables; actions != nil {
		return actions
	}
	return resp.Skill(assistantmodel.MainSkill).UserDefined
}

// IsPublicKey reports whether the first hyphen/underscore-delimited segment
// of key is "public".
func IsPublicKey(key string) bool {
	first, _, _ := strings.Cut(VariableName(key), "-")
	return first == "public"
}

// VariableName converts an action-skill key (underscores) back to the
// hyphenated form the renderer expects.
func VariableName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// addPublicVariables visits keys in sorted order so that spellings mapping to
// the same variable name resolve the same way every time.
func addPublicVariables(ctx map[string]any, vars conversation.Variables, id string) {
	for _, key := range slices.Sorted(maps.Keys(ctx)) {
		value := ctx[key]
		if !IsPublicKey(key) {
			continue
		}
		card, ok := value.(map[string]any)
		if !ok || !truthy(card["data"]) {
			continue
		}

		out := make(map[string]any, len(card))
		for k, v := range card {
			out[k] = v
		}
		if data, ok := card["data"].(map[string]any); ok {
			enriched := make(map[string]any, len(data)+2)
			for k, v := range data {
				enriched[k] = v
			}
			enriched["id"] = id
			if cardID, ok := resolveCardID(card); ok {
				enriched["cardId"] = cardID
			}
			out["data"] = enriched
		}

		store(vars, VariableName(key), out)
	}
}

// resolveCardID picks the value's own id, falling back to its type so the
// renderer can locate content-aware components on the page.
func resolveCardID(card map[string]any) (any, bool) {
	if id := card["id"]; truthy(id) {
		return id, true
	}
	t, ok := card["type"]
	return t, ok
}

func addSearchCard(resp *assistantmodel.MessageResponse, vars conversation.Variables, id string) {
	for _, item := range resp.Output.Generic {
		if item.ResponseType != assistantmodel.ResponseTypeSearch {
			continue
		}
		results := item.PrimaryResults
		if results == nil {
			results = []json.RawMessage{}
		}
		store(vars, KeySearch, Card{
			Data:      map[string]any{"data": results},
			Component: ComponentSearch,
			ID:        id,
		})
	}
}

// AddCustomExtensionCard stores the card shown while a custom extension runs.
func AddCustomExtensionCard(name string, vars conversation.Variables, id string) {
	store(vars, KeyCustomExtensionCard, Card{
		Data:      map[string]any{"name": name},
		Component: ComponentCustomExtension,
		Type:      ComponentCustomExtension,
		ID:        id,
	})
}

// AddLinkCard stores a link found in the spoken reply.
func AddLinkCard(link string, vars conversation.Variables, id string) {
	store(vars, KeyLink, Card{
		Data:      map[string]any{"link": link},
		Component: ComponentLink,
		Type:      ComponentLink,
		ID:        id,
	})
}

// AddErrorCard stores a failed-turn acknowledgment.
func AddErrorCard(message string, retryable bool, vars conversation.Variables, id string) {
	store(vars, KeyError, Card{
		Data:      map[string]any{"message": message, "retryable": retryable},
		Component: ComponentError,
		ID:        id,
	})
}

func store(vars conversation.Variables, key string, value any) {
	encoded, err := json.Marshal(value)
	if err != nil {
		log.Printf("[cards] encode %s failed: %v", key, err)
		return
	}
	vars[key] = string(encoded)
}

// truthy follows the loose truthiness assistant authors rely on when they set
// context variables: nil, false, zero and empty string are all "unset".
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	case json.Number:
		return val != "" && val != "0"
	default:
		return true
	}
}
