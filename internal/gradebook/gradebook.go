// Package gradebook reads and writes grade snapshots as CSV or XLSX.
package gradebook

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/studycoach/internal/markup"
	"github.com/pavelanni/studycoach/internal/model"
)

const (
	colID       = "User ID"
	colUsername = "Username"
	colFullName = "Full Name"
	colEmail    = "Email"
)

var identityColumns = map[string]bool{colID: true, colUsername: true, colFullName: true, colEmail: true}

// ReadCSV parses a grade export. Every column other than the identity columns
// is a grade item; markup in cells is flattened. Records carry the student
// role since the export holds learners only.
func ReadCSV(r io.Reader) ([]model.StudentRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[h] = i
	}
	if _, ok := idx[colID]; !ok {
		return nil, fmt.Errorf("missing %q column", colID)
	}

	cell := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var records []model.StudentRecord
	seen := map[string]int{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		id := cell(row, colID)
		if id == "" {
			continue
		}
		grades := map[string]string{}
		for i, name := range header {
			if identityColumns[name] || name == "" || i >= len(row) {
				continue
			}
			v := strings.TrimSpace(row[i])
			if markup.Contains(v) {
				v = markup.Text(v)
			}
			grades[name] = v
		}
		rec := model.StudentRecord{
			ID:       id,
			Username: cell(row, colUsername),
			FullName: cell(row, colFullName),
			Email:    cell(row, colEmail),
			Roles:    []string{model.RoleStudent},
			Grades:   model.GradesFromMap(grades).Items(),
		}
		// A repeated User ID replaces the earlier row in place.
		if i, ok := seen[id]; ok {
			slog.Warn("duplicate user id in grades file, keeping the later row", "student_id", id, "line", line)
			records[i] = rec
			continue
		}
		seen[id] = len(records)
		records = append(records, rec)
	}
	return records, nil
}

// itemNames returns the sorted union of grade item names.
func itemNames(records []model.StudentRecord) []string {
	seen := map[string]bool{}
	for _, r := range records {
		for _, g := range r.Grades {
			seen[g.Name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func rows(records []model.StudentRecord) (header []string, body [][]string) {
	names := itemNames(records)
	header = append([]string{colID, colUsername, colFullName}, names...)
	for _, r := range records {
		byName := make(map[string]string, len(r.Grades))
		for _, g := range r.Grades {
			byName[g.Name] = g.Grade
		}
		row := []string{r.ID, r.Username, r.FullName}
		for _, n := range names {
			row = append(row, byName[n])
		}
		body = append(body, row)
	}
	return header, body
}

// WriteCSV writes a snapshot that ReadCSV can read back.
func WriteCSV(w io.Writer, records []model.StudentRecord) error {
	header, body := rows(records)
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(body); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// WriteXLSX writes the same snapshot as a spreadsheet.
func WriteXLSX(w io.Writer, records []model.StudentRecord) error {
	f := excelize.NewFile()
	defer f.Close()
	sheet := f.GetSheetName(0)

	header, body := rows(records)
	all := append([][]string{header}, body...)
	for i, row := range all {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(row))
		for j, v := range row {
			values[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return fmt.Errorf("freeze header: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

// Directory supplies contact details and roles for roster records.
type Directory interface {
	Roster(ctx context.Context) ([]model.StudentRecord, error)
}

// CSVRoster serves a grade export file as the batch roster. When Directory is
// set, email and roles are taken from it by user ID.
type CSVRoster struct {
	Path      string
	Directory Directory
}

func (c CSVRoster) Roster(ctx context.Context) ([]model.StudentRecord, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, fmt.Errorf("open grades file: %w", err)
	}
	defer f.Close()

	records, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.Path, err)
	}
	if c.Directory == nil {
		return records, nil
	}

	users, err := c.Directory.Roster(ctx)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}
	byID := make(map[string]model.StudentRecord, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for i := range records {
		u, ok := byID[records[i].ID]
		if !ok {
			continue
		}
		if records[i].Email == "" {
			records[i].Email = u.Email
		}
		if len(u.Roles) > 0 {
			records[i].Roles = u.Roles
		}
		if records[i].FullName == "" {
			records[i].FullName = u.FullName
		}
	}
	return records, nil
}
