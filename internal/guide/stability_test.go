package guide

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/planlens/guidepipeline-worker/internal/errors"
)

func testAggregator() *Aggregator {
	return NewAggregator(0.8, 0.5)
}

func TestAggregateCountsAndClassifies(t *testing.T) {
	g := fixtureGuide("proj-1")
	reports := []*ValidationReport{
		fixtureReport(g, 2, map[string]string{"RULE_004": StatusNotApplicable}),
		fixtureReport(g, 3, map[string]string{"RULE_004": StatusNotApplicable}),
		fixtureReport(g, 4, map[string]string{
			"RULE_002": StatusContradicted,
			"RULE_004": StatusNotApplicable,
		}),
		fixtureReport(g, 5, nil),
	}

	assessments, err := testAggregator().Aggregate(g, reports)
	require.NoError(t, err)
	require.Len(t, assessments, 4)

	r1 := assessments["RULE_001"]
	assert.Equal(t, 4, r1.PagesTested)
	assert.Equal(t, 4, r1.PagesConfirmed)
	assert.Equal(t, 1.0, r1.StabilityScore)
	assert.Equal(t, ClassStable, r1.Classification)
	assert.Equal(t, []int{2, 3, 4, 5}, r1.ConfirmedPages)

	r2 := assessments["RULE_002"]
	assert.Equal(t, 4, r2.PagesTested)
	assert.Equal(t, 3, r2.PagesConfirmed)
	assert.Equal(t, 1, r2.PagesContradicted)
	assert.InDelta(t, 0.75, r2.StabilityScore, 0.001)
	assert.Equal(t, ClassUnstable, r2.Classification, "any contradiction makes a rule unstable")
	assert.Equal(t, []int{4}, r2.ContradictedPages)

	r4 := assessments["RULE_004"]
	assert.Equal(t, 1, r4.PagesTested, "not_applicable pages do not count as tested")
	assert.Equal(t, 1.0, r4.StabilityScore)
	assert.Equal(t, ClassStable, r4.Classification)
}

func TestAggregateNotApplicablePagesDoNotDilute(t *testing.T) {
	g := fixtureGuide("proj-1")
	reports := []*ValidationReport{
		fixtureReport(g, 2, nil),
		fixtureReport(g, 3, nil),
		fixtureReport(g, 4, map[string]string{"RULE_001": StatusNotApplicable}),
		fixtureReport(g, 5, map[string]string{"RULE_001": StatusNotApplicable}),
	}

	// RULE_001: 2 confirmed of 2 tested on a 4 page run is still stable
	assessments, err := testAggregator().Aggregate(g, reports)
	require.NoError(t, err)
	assert.Equal(t, 2, assessments["RULE_001"].PagesTested)
	assert.Equal(t, 1.0, assessments["RULE_001"].StabilityScore)
	assert.Equal(t, ClassStable, assessments["RULE_001"].Classification)
}

func TestAggregateZeroTestedScoresZero(t *testing.T) {
	g := fixtureGuide("proj-1")
	reports := []*ValidationReport{
		fixtureReport(g, 2, map[string]string{
			"RULE_001": StatusNotApplicable,
			"RULE_002": StatusNotApplicable,
			"RULE_003": StatusNotApplicable,
			"RULE_004": StatusNotApplicable,
		}),
	}

	assessments, err := testAggregator().Aggregate(g, reports)
	require.NoError(t, err)

	r1 := assessments["RULE_001"]
	assert.Equal(t, 0, r1.PagesTested)
	assert.Equal(t, 0.0, r1.StabilityScore)
	assert.Equal(t, ClassUnstable, r1.Classification)
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	g := fixtureGuide("proj-1")
	reports := []*ValidationReport{
		fixtureReport(g, 2, nil),
		fixtureReport(g, 3, map[string]string{"RULE_002": StatusContradicted}),
		fixtureReport(g, 4, map[string]string{"RULE_003": StatusNotApplicable}),
	}
	reversed := []*ValidationReport{reports[2], reports[1], reports[0]}

	forward, err := testAggregator().Aggregate(g, reports)
	require.NoError(t, err)
	backward, err := testAggregator().Aggregate(g, reversed)
	require.NoError(t, err)

	assert.Equal(t, forward, backward)
}

func TestAggregateRejectsUnknownRule(t *testing.T) {
	g := fixtureGuide("proj-1")
	report := fixtureReport(g, 2, nil)
	report.Validations = append(report.Validations, RuleValidation{
		RuleID: "RULE_999",
		Status: StatusConfirmed,
	})

	_, err := testAggregator().Aggregate(g, []*ValidationReport{report})
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorValidationContract, pe.Code)
	assert.Equal(t, 2, pe.PageIndex)
}

func TestAggregateRejectsMissingValidation(t *testing.T) {
	g := fixtureGuide("proj-1")
	report := fixtureReport(g, 2, nil)
	report.Validations = report.Validations[:len(report.Validations)-1]

	_, err := testAggregator().Aggregate(g, []*ValidationReport{report})
	require.Error(t, err)

	pe, ok := pipeerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipeerrors.ErrorValidationContract, pe.Code)
}
