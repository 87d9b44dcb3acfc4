package reasoning

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReport_Rewrite(t *testing.T) {
	r := &Report{
		ScopeSummary: "account 123456789012",
		Confidentiality: []Finding{{
			Risk:        "public bucket in 123456789012",
			Impact:      "high",
			Likelihood:  "medium",
			Mitigations: []string{"block public access"},
			Citations:   []string{"s3#00000"},
		}},
		Accounting:         []Finding{{Risk: "no trail", Citations: []string{"ct#00001"}}},
		KeyControls:        []string{"SCP"},
		ResidualRiskRating: "low",
		Assumptions:        []string{"single account"},
		Sources:            []string{"s3", "ct"},
	}

	var calls int
	r.Rewrite(func(s string) string {
		calls++
		return strings.ToUpper(s)
	})

	assert.Equal(t, "ACCOUNT 123456789012", r.ScopeSummary)
	assert.Equal(t, "LOW", r.ResidualRiskRating)
	assert.Equal(t, []string{"SCP"}, r.KeyControls)
	assert.Equal(t, []string{"SINGLE ACCOUNT"}, r.Assumptions)

	f := r.Confidentiality[0]
	assert.Equal(t, "PUBLIC BUCKET IN 123456789012", f.Risk)
	assert.Equal(t, "HIGH", f.Impact)
	assert.Equal(t, "MEDIUM", f.Likelihood)
	assert.Equal(t, []string{"BLOCK PUBLIC ACCESS"}, f.Mitigations)
	assert.Equal(t, "NO TRAIL", r.Accounting[0].Risk)

	assert.Equal(t, []string{"S3#00000"}, f.Citations)
	assert.Equal(t, []string{"CT#00001"}, r.Accounting[0].Citations)
	assert.Equal(t, []string{"S3", "CT"}, r.Sources)

	// summary and rating, two list items, two sources, 3 fields plus one
	// mitigation and one citation, 3 fields plus one citation.
	assert.Equal(t, 2+2+2+5+4, calls)
}
