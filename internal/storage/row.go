// Package storage maps job records onto relational rows shared by the
// database-backed record stores.
package storage

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/JakeFAU/jobcollector/internal/collector"
)

// DefaultTable is the table records are loaded into.
const DefaultTable = "job_listings"

var validTableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Columns lists the insert columns in the order produced by Values.
var Columns = []string{
	"title",
	"company",
	"salary",
	"location",
	"experience",
	"education",
	"headcount",
	"job_type",
	"company_nature",
	"company_size",
	"industry",
	"benefits",
	"requirements",
	"meta",
	"search_term",
}

// ValidateTable rejects names that are unsafe to interpolate into SQL.
func ValidateTable(table string) error {
	if !validTableName.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// Values flattens a record into column values. Nested fields are encoded as
// JSON text.
func Values(rec collector.JobRecord) ([]any, error) {
	benefits, err := marshalText(nonNil(rec.Benefits))
	if err != nil {
		return nil, fmt.Errorf("encode benefits: %w", err)
	}
	req := rec.Requirements
	req.SkillLabels = nonNil(req.SkillLabels)
	req.ProfessionalSkills = nonNil(req.ProfessionalSkills)
	requirements, err := marshalText(req)
	if err != nil {
		return nil, fmt.Errorf("encode requirements: %w", err)
	}
	meta := rec.Meta
	meta.SubwayLines = nonNil(meta.SubwayLines)
	meta.CompanyTags = nonNil(meta.CompanyTags)
	metaText, err := marshalText(meta)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	return []any{
		rec.Title,
		rec.Company,
		rec.Salary,
		rec.Location,
		rec.Experience,
		rec.Education,
		rec.Headcount,
		rec.JobType,
		rec.CompanyNature,
		rec.CompanySize,
		rec.Industry,
		benefits,
		requirements,
		metaText,
		rec.SearchTerm,
	}, nil
}

func marshalText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
