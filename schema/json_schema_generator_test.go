package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type order struct {
	ID        string            `json:"id" description:"order identifier"`
	Items     []lineItem        `json:"items"`
	Billing   lineItem          `json:"billing"`
	Shipping  lineItem          `json:"shipping"`
	Note      string            `json:"note,omitempty"`
	Parent    *order            `json:"parent"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"createdAt"`
	Hidden    string            `json:"-"`
	internal  string
}

func TestGenerate(t *testing.T) {
	raw, err := NewGenerator().Generate(order{})
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))

	assert.Equal(t, "order", doc["title"])
	assert.Equal(t, "object", doc["type"])

	props := doc["properties"].(map[string]interface{})
	assert.Contains(t, props, "id")
	assert.Contains(t, props, "billing")
	assert.Contains(t, props, "shipping")
	assert.NotContains(t, props, "Hidden")
	assert.NotContains(t, props, "internal")
	assert.Equal(t, "order identifier", props["id"].(map[string]interface{})["description"])
	assert.Equal(t, "date-time", props["createdAt"].(map[string]interface{})["format"])

	// a type used twice is expanded both times
	shipping := props["shipping"].(map[string]interface{})
	assert.Equal(t, "object", shipping["type"])

	required := doc["required"].([]interface{})
	assert.Contains(t, required, "id")
	assert.NotContains(t, required, "note")
	assert.NotContains(t, required, "parent")

	_, err = NewGenerator().Generate(nil)
	assert.Error(t, err)
}

func TestForContent(t *testing.T) {
	v, err := ForContent(lineItem{})
	require.NoError(t, err)

	assert.NoError(t, v.Validate(envelope(map[string]interface{}{"sku": "a", "qty": 1}, nil)))
	assert.Error(t, v.Validate(envelope(map[string]interface{}{"sku": "a"}, nil)))
	assert.Error(t, v.Validate(envelope(map[string]interface{}{"sku": 1, "qty": 1}, nil)))
}
