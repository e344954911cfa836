package registry

import (
	"time"
)

// OwnershipHeader is the fixed column set of file_ownership.csv.
var OwnershipHeader = []string{
	"file_path", "package_id", "sha256", "classification",
	"installed_date", "replaced_date", "superseded_by",
}

// OwnershipRow is one line of ownership history.
type OwnershipRow struct {
	FilePath       string
	PackageID      string
	SHA256         string
	Classification string
	InstalledDate  string
	ReplacedDate   string
	SupersededBy   string
}

func (r OwnershipRow) toRow() Row {
	return Row{
		"file_path":      r.FilePath,
		"package_id":     r.PackageID,
		"sha256":         r.SHA256,
		"classification": r.Classification,
		"installed_date": r.InstalledDate,
		"replaced_date":  r.ReplacedDate,
		"superseded_by":  r.SupersededBy,
	}
}

func ownershipFromRow(row Row) OwnershipRow {
	return OwnershipRow{
		FilePath:       row["file_path"],
		PackageID:      row["package_id"],
		SHA256:         row["sha256"],
		Classification: row["classification"],
		InstalledDate:  row["installed_date"],
		ReplacedDate:   row["replaced_date"],
		SupersededBy:   row["superseded_by"],
	}
}

// OwnershipLog is the append-only ownership history for one plane. The latest
// row per file_path with an empty superseded_by is the current owner; earlier
// rows are never modified.
type OwnershipLog struct {
	Path  string
	Clock func() time.Time
}

func NewOwnershipLog(path string) *OwnershipLog {
	return &OwnershipLog{Path: path, Clock: time.Now}
}

// History returns all rows for a file in append order.
func (o *OwnershipLog) History(filePath string) ([]OwnershipRow, error) {
	rows, err := Read(o.Path)
	if err != nil {
		return nil, err
	}
	var out []OwnershipRow
	for _, row := range rows {
		if row["file_path"] == filePath {
			out = append(out, ownershipFromRow(row))
		}
	}
	return out, nil
}

// CurrentOwner returns the package owning the file now, or "" when unowned.
// The latest row per file_path defines the current owner.
func (o *OwnershipLog) CurrentOwner(filePath string) (string, error) {
	history, err := o.History(filePath)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].SupersededBy == "" && history[i].ReplacedDate == "" {
			return history[i].PackageID, nil
		}
	}
	return "", nil
}

// Owners returns the current owner per file across the whole log.
func (o *OwnershipLog) Owners() (map[string]string, error) {
	rows, err := Read(o.Path)
	if err != nil {
		return nil, err
	}
	owners := make(map[string]string)
	for _, row := range rows {
		r := ownershipFromRow(row)
		if r.SupersededBy == "" && r.ReplacedDate == "" {
			owners[r.FilePath] = r.PackageID
		} else {
			// Supersession row: clears ownership unless a later row re-owns.
			if owners[r.FilePath] == r.PackageID {
				delete(owners, r.FilePath)
			}
		}
	}
	return owners, nil
}

// Append writes new rows to the history. Never rewrites existing rows.
func (o *OwnershipLog) Append(rows []OwnershipRow) error {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.toRow()
	}
	return AppendRows(o.Path, OwnershipHeader, out)
}

// RecordInstall appends the ownership row for a newly installed asset.
func (o *OwnershipLog) RecordInstall(filePath, packageID, sha256, classification string) OwnershipRow {
	return OwnershipRow{
		FilePath:       filePath,
		PackageID:      packageID,
		SHA256:         sha256,
		Classification: classification,
		InstalledDate:  o.Clock().UTC().Format(time.RFC3339),
	}
}

// RecordSupersession appends the row marking the old owner replaced.
func (o *OwnershipLog) RecordSupersession(filePath, oldOwner, newOwner string) OwnershipRow {
	return OwnershipRow{
		FilePath:     filePath,
		PackageID:    oldOwner,
		ReplacedDate: o.Clock().UTC().Format(time.RFC3339),
		SupersededBy: newOwner,
	}
}
