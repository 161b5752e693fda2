package registration

// Column names shared by every header revision. The receipt column keeps the
// "recipt_no" spelling used by rows already in the ledger.
const (
	ColumnName               = "Name"
	ColumnRegistrationNumber = "Registration Number"
	ColumnDivision           = "Division"
	ColumnDepartment         = "Department"
	ColumnYearOfStudy        = "Year of Study"
	ColumnCollegeName        = "College Name"
	ColumnReceiptNumber      = "recipt_no"
	ColumnEmail              = "Email"
	ColumnPhoneNumber        = "Phone Number"
	ColumnTimestamp          = "Timestamp"
)

// Header returns the canonical header row for a kind under a revision.
func Header(kind Kind, revision SchemaRevision) []string {
	var header []string
	switch kind {
	case KindInternal:
		header = []string{ColumnName, ColumnRegistrationNumber, ColumnDivision, ColumnYearOfStudy, ColumnReceiptNumber}
	case KindExternal:
		header = []string{ColumnName, ColumnRegistrationNumber, ColumnDepartment, ColumnYearOfStudy, ColumnCollegeName, ColumnReceiptNumber}
	default:
		return nil
	}
	if revision.Normalize() == RevisionV2 {
		header = append(header, ColumnEmail, ColumnPhoneNumber)
	}
	return append(header, ColumnTimestamp)
}

// BuildRow lays the submission out in the column order of Header.
func BuildRow(sub Submission, revision SchemaRevision, timestamp string) []string {
	var row []string
	switch sub.Kind {
	case KindInternal:
		row = []string{sub.Name, sub.RegNo, sub.Division, sub.YearOfStudy, sub.ReceiptNo}
	case KindExternal:
		row = []string{sub.Name, sub.RegNo, sub.DeptName, sub.YearOfStudy, sub.CollegeName, sub.ReceiptNo}
	default:
		return nil
	}
	if revision.Normalize() == RevisionV2 {
		row = append(row, sub.Email, sub.PhoneNumber)
	}
	return append(row, timestamp)
}

// recordsFromRows maps every row after the first onto the first row's
// headers. Short rows yield "" for the missing cells.
func recordsFromRows(rows [][]string) []map[string]string {
	if len(rows) < 2 {
		return nil
	}
	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		record := make(map[string]string, len(header))
		for i, column := range header {
			if column == "" {
				continue
			}
			if i < len(row) {
				record[column] = row[i]
			} else {
				record[column] = ""
			}
		}
		records = append(records, record)
	}
	return records
}

func isEmptyRow(row []string) bool {
	for _, cell := range row {
		if cell != "" {
			return false
		}
	}
	return true
}
