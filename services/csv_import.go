package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"coldreach/metrics"
	"coldreach/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LeadField is a lead attribute a CSV column can be mapped onto
type LeadField string

const (
	FieldEmail     LeadField = "email"
	FieldFirstName LeadField = "first_name"
	FieldLastName  LeadField = "last_name"
	FieldCompany   LeadField = "company"
	FieldTitle     LeadField = "title"
	FieldPhone     LeadField = "phone"
	FieldWebsite   LeadField = "website"
	FieldIndustry  LeadField = "industry"
	FieldIgnore    LeadField = "ignore"
)

// PreviewSampleRows is how many data rows a preview returns
const PreviewSampleRows = 5

// detection order matters: a header is assigned to the first field whose keyword it contains
var fieldKeywords = []struct {
	field    LeadField
	keywords []string
}{
	{FieldEmail, []string{"email", "mail", "e-mail"}},
	{FieldFirstName, []string{"first", "fname", "firstname", "given"}},
	{FieldLastName, []string{"last", "lname", "lastname", "surname", "family"}},
	{FieldCompany, []string{"company", "organization", "org", "business", "employer"}},
	{FieldTitle, []string{"title", "position", "job", "role"}},
	{FieldPhone, []string{"phone", "tel", "mobile", "cell"}},
	{FieldWebsite, []string{"website", "web", "url", "site", "domain"}},
	{FieldIndustry, []string{"industry", "sector", "field", "vertical"}},
}

// ParseLeadField accepts a target field name, case-insensitively
func ParseLeadField(s string) (LeadField, bool) {
	f := LeadField(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case FieldEmail, FieldFirstName, FieldLastName, FieldCompany, FieldTitle,
		FieldPhone, FieldWebsite, FieldIndustry, FieldIgnore:
		return f, true
	case "":
		return FieldIgnore, true
	}
	return "", false
}

// ResolvedMapping maps each target field to a column index
type ResolvedMapping struct {
	columns map[LeadField]int
}

func (m *ResolvedMapping) Column(f LeadField) (int, bool) {
	idx, ok := m.columns[f]
	return idx, ok
}

// ValidateMapping checks a header→field mapping against the parsed headers.
// Email must be mapped exactly once and every mapped header must exist.
func ValidateMapping(headers []string, mapping map[string]string) (*ResolvedMapping, error) {
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	// sorted for deterministic error messages
	sources := make([]string, 0, len(mapping))
	for src := range mapping {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	resolved := &ResolvedMapping{columns: make(map[LeadField]int)}
	for _, src := range sources {
		field, ok := ParseLeadField(mapping[src])
		if !ok {
			return nil, NewValidationError("Unknown target field '%s' for column '%s'", mapping[src], src)
		}
		if field == FieldIgnore {
			continue
		}
		col, ok := index[src]
		if !ok {
			return nil, NewValidationError("Column '%s' not found in CSV headers", src)
		}
		if _, taken := resolved.columns[field]; taken {
			return nil, NewValidationError("Field '%s' is mapped more than once", field)
		}
		resolved.columns[field] = col
	}

	if _, ok := resolved.columns[FieldEmail]; !ok {
		return nil, NewValidationError("Email column mapping is required")
	}
	return resolved, nil
}

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "", "_", "", "-", "", ".", "").Replace(h)
}

// DetectColumns guesses a field for each header. Each field is assigned at most once.
func DetectColumns(headers []string) map[string]string {
	detected := make(map[string]string)
	used := make(map[LeadField]bool)

	for _, header := range headers {
		raw := strings.ToLower(strings.TrimSpace(header))
		norm := normalizeHeader(header)
		if norm == "" {
			continue
		}
		if _, done := detected[header]; done {
			continue
		}

		matched := false
		for _, fk := range fieldKeywords {
			if used[fk.field] {
				continue
			}
			for _, kw := range fk.keywords {
				if strings.Contains(raw, kw) || strings.Contains(norm, normalizeHeader(kw)) {
					detected[header] = string(fk.field)
					used[fk.field] = true
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}

		if !matched && strings.Contains(norm, "name") && !used[FieldFirstName] && !used[FieldLastName] {
			detected[header] = string(FieldFirstName)
			used[FieldFirstName] = true
		}
	}
	return detected
}

// PreviewResult is the read-only first phase of an import
type PreviewResult struct {
	Headers         []string          `json:"headers"`
	SampleData      [][]string        `json:"sample_data"`
	TotalRows       int               `json:"total_rows"`
	DetectedColumns map[string]string `json:"detected_columns"`
}

// GroupTarget optionally attaches imported leads to an existing or new group
type GroupTarget struct {
	GroupID      *uint
	NewGroupName string
}

// CommitRequest is the second phase of an import
type CommitRequest struct {
	CSVContent        string
	ColumnMapping     map[string]string
	HasHeader         bool
	Group             GroupTarget
	OverwriteExisting bool
}

// CommitResult holds the three disjoint buckets; created+skipped+len(errors) == total_processed
type CommitResult struct {
	Created        int      `json:"created"`
	Errors         []string `json:"errors"`
	Skipped        int      `json:"skipped"`
	TotalProcessed int      `json:"total_processed"`
	GroupID        *uint    `json:"group_id,omitempty"`
}

type CSVImporter struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewCSVImporter(db *gorm.DB, logger *logrus.Entry) *CSVImporter {
	return &CSVImporter{DB: db, Logger: logger}
}

func newCSVReader(content string) *csv.Reader {
	r := csv.NewReader(strings.NewReader(content))
	r.FieldsPerRecord = -1
	r.ReuseRecord = false
	return r
}

func toParseError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Row: pe.StartLine, Column: pe.Column, Message: pe.Err.Error()}
	}
	return &ParseError{Message: err.Error()}
}

func syntheticHeaders(n int) []string {
	headers := make([]string, n)
	for i := range headers {
		headers[i] = fmt.Sprintf("Column %d", i+1)
	}
	return headers
}

// Preview parses the whole file without writing anything.
// Any malformed input aborts the preview with a ParseError.
func (s *CSVImporter) Preview(content string, hasHeader bool) (*PreviewResult, error) {
	records, err := newCSVReader(content).ReadAll()
	if err != nil {
		return nil, toParseError(err)
	}
	if len(records) == 0 {
		return nil, NewValidationError("CSV file is empty")
	}

	var headers []string
	data := records
	if hasHeader {
		headers = trimAll(records[0])
		data = records[1:]
	} else {
		headers = syntheticHeaders(len(records[0]))
	}

	sample := data
	if len(sample) > PreviewSampleRows {
		sample = sample[:PreviewSampleRows]
	}

	return &PreviewResult{
		Headers:         headers,
		SampleData:      sample,
		TotalRows:       len(data),
		DetectedColumns: DetectColumns(headers),
	}, nil
}

func trimAll(in []string) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

func cell(row []string, m *ResolvedMapping, f LeadField) string {
	idx, ok := m.Column(f)
	if !ok || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func rowToInput(row []string, m *ResolvedMapping) LeadInput {
	return LeadInput{
		Email:     cell(row, m, FieldEmail),
		FirstName: cell(row, m, FieldFirstName),
		LastName:  cell(row, m, FieldLastName),
		Company:   cell(row, m, FieldCompany),
		Title:     cell(row, m, FieldTitle),
		Phone:     cell(row, m, FieldPhone),
		Website:   cell(row, m, FieldWebsite),
		Industry:  cell(row, m, FieldIndustry),
	}
}

// readRows reads every data row. Unreadable rows come back as nil entries with their error;
// lines swallowed by an unterminated quoted field each get their own entry.
func readRows(content string) (rows [][]string, rowErrs map[int]string) {
	r := newCSVReader(content)
	rowErrs = make(map[int]string)
	lines := strings.Split(content, "\n")
	lastLine := -1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return rows, rowErrs
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) || pe.StartLine == lastLine {
				rowErrs[len(rows)] = toParseError(err).Error()
				rows = append(rows, nil)
				return rows, rowErrs
			}
			lastLine = pe.StartLine
			rowErrs[len(rows)] = toParseError(err).Error()
			rows = append(rows, nil)
			for ln := pe.StartLine + 1; ln <= pe.Line && ln <= len(lines); ln++ {
				if strings.TrimSpace(lines[ln-1]) == "" {
					continue
				}
				swallowed := &ParseError{Row: ln, Message: fmt.Sprintf("inside the quoted field opened at row %d", pe.StartLine)}
				rowErrs[len(rows)] = swallowed.Error()
				rows = append(rows, nil)
			}
			continue
		}
		rows = append(rows, rec)
	}
}

func rowLabel(n int) string {
	return fmt.Sprintf("Row %d", n)
}

// Commit imports every data row. Rows are bucketed as created, skipped or errors;
// the group target is created in the same transaction as the leads.
func (s *CSVImporter) Commit(userID uint, req CommitRequest) (*CommitResult, error) {
	rows, rowErrs := readRows(req.CSVContent)
	if len(rows) == 0 {
		return nil, NewValidationError("CSV file is empty")
	}

	var headers []string
	data := rows
	if req.HasHeader {
		if rows[0] == nil {
			return nil, &ParseError{Row: 1, Message: "header row is unreadable"}
		}
		headers = trimAll(rows[0])
		data = rows[1:]
	} else {
		for _, r := range rows {
			if r != nil {
				headers = syntheticHeaders(len(r))
				break
			}
		}
	}

	mapping, err := ValidateMapping(headers, req.ColumnMapping)
	if err != nil {
		return nil, err
	}
	if req.Group.GroupID != nil && strings.TrimSpace(req.Group.NewGroupName) != "" {
		return nil, NewValidationError("Specify either group_id or new_group_name, not both")
	}

	result := &CommitResult{Errors: []string{}, TotalProcessed: len(data)}
	offset := 0
	if req.HasHeader {
		offset = 1
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		var group *models.LeadGroup
		switch {
		case strings.TrimSpace(req.Group.NewGroupName) != "":
			g, err := createGroup(tx, userID, GroupInput{Name: req.Group.NewGroupName})
			if err != nil {
				return err
			}
			group = g
		case req.Group.GroupID != nil:
			g, err := findGroup(tx, userID, *req.Group.GroupID)
			if err != nil {
				return err
			}
			group = g
		}

		existing, err := existingLeadsByEmail(tx, userID)
		if err != nil {
			return err
		}

		var toCreate []models.Lead
		var toAttach []uint
		seen := make(map[string]struct{})

		for i, row := range data {
			label := rowLabel(i + 1)
			if msg, bad := rowErrs[i+offset]; bad {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", label, msg))
				continue
			}
			if isBlankRow(row) {
				result.Skipped++
				continue
			}

			in := rowToInput(row, mapping)
			if in.Email == "" {
				result.Errors = append(result.Errors, label+": Email is required")
				continue
			}
			lead, err := buildLead(userID, in, "csv")
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: Invalid email '%s'", label, in.Email))
				continue
			}

			if _, dup := seen[lead.Email]; dup {
				result.Skipped++
				continue
			}
			seen[lead.Email] = struct{}{}

			if prior, ok := existing[lead.Email]; ok {
				result.Skipped++
				if req.OverwriteExisting {
					if err := overwriteLead(tx, prior, lead); err != nil {
						return err
					}
				}
				toAttach = append(toAttach, prior.ID)
				continue
			}
			toCreate = append(toCreate, lead)
		}

		if len(toCreate) > 0 {
			if err := tx.CreateInBatches(&toCreate, 100).Error; err != nil {
				return err
			}
			for _, l := range toCreate {
				toAttach = append(toAttach, l.ID)
			}
		}
		result.Created = len(toCreate)

		if group != nil {
			if _, err := addMembers(tx, group.ID, toAttach); err != nil {
				return err
			}
			id := group.ID
			result.GroupID = &id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.CSVRows.WithLabelValues("created").Add(float64(result.Created))
	metrics.CSVRows.WithLabelValues("skipped").Add(float64(result.Skipped))
	metrics.CSVRows.WithLabelValues("error").Add(float64(len(result.Errors)))

	s.Logger.WithFields(logrus.Fields{
		"user_id":         userID,
		"created":         result.Created,
		"skipped":         result.Skipped,
		"errors":          len(result.Errors),
		"total_processed": result.TotalProcessed,
	}).Info("CSV import committed")
	return result, nil
}

func existingLeadsByEmail(db *gorm.DB, userID uint) (map[string]*models.Lead, error) {
	var leads []models.Lead
	if err := db.Where("user_id = ?", userID).Find(&leads).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*models.Lead, len(leads))
	for i := range leads {
		out[leads[i].Email] = &leads[i]
	}
	return out, nil
}

// overwriteLead copies non-empty imported values onto an existing lead
func overwriteLead(db *gorm.DB, prior *models.Lead, in models.Lead) error {
	updates := map[string]interface{}{}
	set := func(col, v string) {
		if v != "" {
			updates[col] = v
		}
	}
	set("first_name", in.FirstName)
	set("last_name", in.LastName)
	set("company", in.Company)
	set("title", in.Title)
	set("phone", in.Phone)
	set("website", in.Website)
	set("industry", in.Industry)
	if len(updates) == 0 {
		return nil
	}
	return db.Model(prior).Updates(updates).Error
}
