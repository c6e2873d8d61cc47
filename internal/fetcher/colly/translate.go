package collyfetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/jobcollector/internal/collector"
)

// Fallback texts used when the upstream omits a field entirely.
const (
	DefaultExperience = "经验不限"
	DefaultEducation  = "不限"
)

type searchResponse struct {
	Data struct {
		List []json.RawMessage `json:"list"`
	} `json:"data"`
}

// itemError reports a list item that could not be decoded.
type itemError struct {
	Index int
	Err   error
}

// translateItems decodes each list item on its own so one malformed item
// cannot take its siblings down with it.
func translateItems(items []json.RawMessage, term string) ([]collector.JobRecord, []itemError) {
	records := make([]collector.JobRecord, 0, len(items))
	var skipped []itemError
	for i, raw := range items {
		var item positionItem
		if err := json.Unmarshal(raw, &item); err != nil {
			skipped = append(skipped, itemError{Index: i, Err: err})
			continue
		}
		records = append(records, toRecord(item, term))
	}
	return records, skipped
}

type positionItem struct {
	Name                string       `json:"name"`
	CompanyName         string       `json:"companyName"`
	Salary60            string       `json:"salary60"`
	SalaryReal          string       `json:"salaryReal"`
	WorkCity            string       `json:"workCity"`
	CityDistrict        string       `json:"cityDistrict"`
	StreetName          string       `json:"streetName"`
	WorkingExp          *string      `json:"workingExp"`
	Education           *string      `json:"education"`
	RecruitNumber       *flexInt     `json:"recruitNumber"`
	SubJobTypeLevelName string       `json:"subJobTypeLevelName"`
	PropertyName        string       `json:"propertyName"`
	CompanySize         string       `json:"companySize"`
	IndustryName        string       `json:"industryName"`
	WelfareTagList      []string     `json:"welfareTagList"`
	JobKeyword          jobKeyword   `json:"jobKeyword"`
	SkillLabel          []valueTag   `json:"skillLabel"`
	JobSummary          string       `json:"jobSummary"`
	JobSkillTags        []nameTag    `json:"jobSkillTags"`
	PublishTime         string       `json:"publishTime"`
	PositionURL         string       `json:"positionUrl"`
	CompanyURL          string       `json:"companyUrl"`
	Subways             []subwayStop `json:"subways"`
	IndustryCompanyTags []string     `json:"industryCompanyTags"`
}

type jobKeyword struct {
	Keywords []struct {
		ItemValue string `json:"itemValue"`
	} `json:"keywords"`
}

type valueTag struct {
	Value string `json:"value"`
}

type nameTag struct {
	Name string `json:"name"`
}

type subwayStop struct {
	LineName    string     `json:"lineName"`
	StationName string     `json:"stationName"`
	Distance    flexString `json:"distance"`
}

// flexInt accepts a JSON number or a numeric string. Text that is not a
// number, such as "若干", decodes as 0.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode int string: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			n = 0
		}
		*f = flexInt(n)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("decode int: %w", err)
	}
	v, err := n.Float64()
	if err != nil {
		return fmt.Errorf("parse int %q: %w", n, err)
	}
	*f = flexInt(int(v))
	return nil
}

// flexString accepts a JSON string or number and keeps its text form.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func toRecord(item positionItem, term string) collector.JobRecord {
	salary := item.Salary60
	if salary == "" {
		salary = item.SalaryReal
	}
	experience := DefaultExperience
	if item.WorkingExp != nil {
		experience = *item.WorkingExp
	}
	education := DefaultEducation
	if item.Education != nil {
		education = *item.Education
	}
	headcount := 0
	if item.RecruitNumber != nil {
		headcount = int(*item.RecruitNumber)
	}

	return collector.JobRecord{
		Title:         item.Name,
		Company:       item.CompanyName,
		Salary:        salary,
		Location:      strings.TrimSpace(item.WorkCity + " " + item.CityDistrict + " " + item.StreetName),
		Experience:    experience,
		Education:     education,
		Headcount:     headcount,
		JobType:       item.SubJobTypeLevelName,
		CompanyNature: item.PropertyName,
		CompanySize:   item.CompanySize,
		Industry:      item.IndustryName,
		Benefits:      benefits(item),
		Requirements: collector.Requirements{
			SkillLabels:        values(item.SkillLabel),
			Description:        strings.TrimSpace(strings.ReplaceAll(item.JobSummary, "\n", " ")),
			ProfessionalSkills: names(item.JobSkillTags),
		},
		Meta: collector.RecordMeta{
			PublishedAt: item.PublishTime,
			PositionURL: item.PositionURL,
			CompanyURL:  item.CompanyURL,
			SubwayLines: subwayLines(item.Subways),
			CompanyTags: nonNil(item.IndustryCompanyTags),
		},
		SearchTerm: term,
	}
}

func benefits(item positionItem) []string {
	if len(item.WelfareTagList) > 0 {
		return item.WelfareTagList
	}
	out := []string{}
	for _, kw := range item.JobKeyword.Keywords {
		if kw.ItemValue != "" {
			out = append(out, kw.ItemValue)
		}
	}
	return out
}

func values(tags []valueTag) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		out = append(out, tag.Value)
	}
	return out
}

func names(tags []nameTag) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		out = append(out, tag.Name)
	}
	return out
}

func subwayLines(stops []subwayStop) []string {
	out := make([]string, 0, len(stops))
	for _, s := range stops {
		out = append(out, fmt.Sprintf("%s-%s(%s米)", s.LineName, s.StationName, s.Distance))
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
