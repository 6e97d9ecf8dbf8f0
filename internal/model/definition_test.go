package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceDefinitions(t *testing.T) {
	svc := Service{App: "shop", URLs: []string{"https://shop.example", "https://shop.example/cart"}}

	defs := svc.Definitions()

	require.Len(t, defs, 2)
	assert.Equal(t, "shop|avail|https://shop.example", defs[0].ID)
	assert.Equal(t, "shop", defs[0].AppID)
	assert.Equal(t, string(KindStateless), defs[0].Kind)
	assert.Equal(t, 5, defs[0].IntervalMinutes)
	assert.Equal(t, 30*time.Second, defs[1].Timeout())
}

func TestCatalogueDefinitions(t *testing.T) {
	cat := Catalogue{
		Checks: []CheckDefinition{{
			ID:   "login",
			Kind: "Pooled",
			Steps: []Step{
				{Target: Target{URL: "https://app.example/login", Method: "post"}},
				{Name: "profile", Target: Target{URL: "https://app.example/users/{{user_id}}"}},
			},
		}},
		Services: []Service{{App: "shop", URLs: []string{"https://shop.example"}}},
	}

	defs, err := cat.Definitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, KindPooled, defs[0].ExecutionKind())
	assert.Equal(t, "step-1", defs[0].Steps[0].Name)
	assert.Equal(t, "POST", defs[0].Steps[0].Target.Method)
	assert.Equal(t, "GET", defs[0].Steps[1].Target.Method)
	assert.Equal(t, MaxCheckTimeout, defs[0].Timeout())
}

func TestCatalogueRejectsDuplicates(t *testing.T) {
	cat := Catalogue{
		Checks:   []CheckDefinition{{ID: "shop|avail|https://shop.example", Kind: "stateless", Target: &Target{URL: "https://shop.example"}}},
		Services: []Service{{App: "shop", URLs: []string{"https://shop.example"}}},
	}

	_, err := cat.Definitions()
	assert.ErrorContains(t, err, "duplicate")
}

func TestDefinitionValidate(t *testing.T) {
	cases := map[string]CheckDefinition{
		"missing id":         {Kind: "stateless", Target: &Target{URL: "https://a.example"}},
		"unknown kind":       {ID: "a", Kind: "desktop"},
		"stateless target":   {ID: "a", Kind: "stateless"},
		"pooled steps":       {ID: "a", Kind: "pooled"},
		"remote host":        {ID: "a", Kind: "remote_shell", Command: &Command{Program: "uptime"}},
		"isolated empty":     {ID: "a", Kind: "isolated"},
		"bad scheme":         {ID: "a", Kind: "stateless", Target: &Target{URL: "ftp://a.example"}},
		"bad auth":           {ID: "a", Kind: "stateless", Target: &Target{URL: "https://a.example", Auth: Auth{Type: "basic"}}},
		"rule operator":      {ID: "a", Kind: "stateless", Target: &Target{URL: "https://a.example"}, Rules: []Rule{{Name: "r", Expression: "$.ok"}}},
		"negative timeout":   {ID: "a", Kind: "stateless", TimeoutSeconds: -1, Target: &Target{URL: "https://a.example"}},
		"command no program": {ID: "a", Kind: "isolated", Command: &Command{}},
	}

	for name, def := range cases {
		assert.Error(t, def.Validate(), name)
	}

	ok := CheckDefinition{ID: "a", Kind: "remote_shell", Command: &Command{Program: "uptime", Host: "db1"}}
	assert.NoError(t, ok.Validate())
}

func TestTargetStatusOK(t *testing.T) {
	any2xx := Target{}
	assert.True(t, any2xx.StatusOK(204))
	assert.False(t, any2xx.StatusOK(301))

	exact := Target{ExpectStatus: 302}
	assert.True(t, exact.StatusOK(302))
	assert.False(t, exact.StatusOK(200))
}

func TestRunsIn(t *testing.T) {
	def := CheckDefinition{Regions: []string{"eu-west"}}
	assert.True(t, def.RunsIn("EU-WEST"))
	assert.False(t, def.RunsIn("us-east"))
	assert.True(t, (&CheckDefinition{}).RunsIn("anywhere"))
}
