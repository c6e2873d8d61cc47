package collector

import "strings"

// JobRecord is one normalized job listing as persisted to the output log.
// Field contents are passed through from the upstream API without interpretation.
type JobRecord struct {
	Title         string       `json:"title"`
	Company       string       `json:"company"`
	Salary        string       `json:"salary"`
	Location      string       `json:"location"`
	Experience    string       `json:"experience"`
	Education     string       `json:"education"`
	Headcount     int          `json:"headcount"`
	JobType       string       `json:"job_type"`
	CompanyNature string       `json:"company_nature"`
	CompanySize   string       `json:"company_size"`
	Industry      string       `json:"industry"`
	Benefits      []string     `json:"benefits"`
	Requirements  Requirements `json:"requirements"`
	Meta          RecordMeta   `json:"meta"`
	SearchTerm    string       `json:"search_term"`
}

// Requirements groups the skill and description details of a listing.
type Requirements struct {
	SkillLabels        []string `json:"skill_labels"`
	Description        string   `json:"description"`
	ProfessionalSkills []string `json:"professional_skills"`
}

// RecordMeta holds auxiliary listing metadata.
type RecordMeta struct {
	PublishedAt string   `json:"published_at"`
	PositionURL string   `json:"position_url"`
	CompanyURL  string   `json:"company_url"`
	SubwayLines []string `json:"subway_lines"`
	CompanyTags []string `json:"company_tags"`
}

// IdentityKey determines record uniqueness. Two records with the same key are
// duplicates regardless of their other fields.
type IdentityKey struct {
	Title   string
	Company string
}

// Key returns the identity key for the record.
func (r JobRecord) Key() IdentityKey {
	return IdentityKey{Title: r.Title, Company: r.Company}
}

// String renders the key for logs.
func (k IdentityKey) String() string {
	return k.Title + " @ " + k.Company
}

// Task is a unit of work on the dispatcher queue: either a search term or the
// stop sentinel that tells a worker to exit.
type Task struct {
	term string
	stop bool
}

// NewTask wraps a search term. Any string, including the empty string, is a
// real term; only StopTask produces the sentinel.
func NewTask(term string) Task {
	return Task{term: term}
}

// StopTask returns the sentinel that terminates exactly one worker.
func StopTask() Task {
	return Task{stop: true}
}

// Term returns the search term carried by the task.
func (t Task) Term() string {
	return t.term
}

// IsStop reports whether the task is the stop sentinel.
func (t Task) IsStop() bool {
	return t.stop
}

// NormalizeTerms trims whitespace and drops blank terms while preserving
// submission order. Repeated terms are kept: each one is dispatched and counted
// as submitted, and the ledger drops the records it has already seen.
func NormalizeTerms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, term := range in {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		out = append(out, term)
	}
	return out
}
