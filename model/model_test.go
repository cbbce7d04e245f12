package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestVarDefUnmarshalTypedForm(t *testing.T) {
	var vars map[string]VarDef
	doc := `
amount:
  type: float
  value: 12.5
flag:
  type: bool
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &vars))
	assert.Equal(t, "float", vars["amount"].Type)
	assert.Equal(t, 12.5, vars["amount"].Value)
	assert.Equal(t, "bool", vars["flag"].Type)
	assert.Nil(t, vars["flag"].Value)
}

func TestVarDefUnmarshalBareValue(t *testing.T) {
	var vars map[string]VarDef
	doc := `
name: alice
count: 7
row:
  city: oslo
  zip: "0150"
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &vars))
	assert.Equal(t, VarDef{Type: "any", Value: "alice"}, vars["name"])
	assert.Equal(t, VarDef{Type: "any", Value: 7}, vars["count"])

	// a mapping without type/value keys is a bare object value
	row, ok := vars["row"].Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "oslo", row["city"])
}

func TestStepIsControl(t *testing.T) {
	assert.False(t, (&Step{ID: "a", Action: "click"}).IsControl())
	assert.True(t, (&Step{ID: "a", Condition: "x > 1"}).IsControl())
	assert.True(t, (&Step{ID: "a", WhileCond: "x < 3"}).IsControl())
	assert.True(t, (&Step{ID: "a", ForEach: "items"}).IsControl())
	assert.True(t, (&Step{ID: "a", SwitchExpr: "mode"}).IsControl())
	assert.True(t, (&Step{ID: "a", Subflow: "sub.yaml"}).IsControl())
	assert.True(t, (&Step{ID: "a", Break: true}).IsControl())
	assert.True(t, (&Step{ID: "a", Continue: true}).IsControl())
	assert.True(t, (&Step{ID: "a", Catch: []Step{{ID: "c"}}}).IsControl())
	assert.True(t, (&Step{ID: "a", Finally: []Step{{ID: "f"}}}).IsControl())
}

func TestStepControlFieldsRoundTrip(t *testing.T) {
	doc := `
id: decide
switch: "mode"
cases:
  - value: "'fast'"
    steps:
      - id: f1
        action: log
default:
  - id: d1
    action: log
`
	var st Step
	require.NoError(t, yaml.Unmarshal([]byte(doc), &st))
	assert.Equal(t, "mode", st.SwitchExpr)
	require.Len(t, st.Cases, 1)
	assert.Equal(t, "'fast'", st.Cases[0].Value)
	require.Len(t, st.Default, 1)
}
