// Package moodle is a small client for the Moodle web service REST API.
package moodle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/studycoach/internal/markup"
	"github.com/pavelanni/studycoach/internal/model"
)

const restPath = "/webservice/rest/server.php"

// APIError is an error reported by Moodle in a 200 response body.
type APIError struct {
	Function  string
	Exception string
	ErrorCode string
	Message   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("moodle %s: %s (%s)", e.Function, e.Message, e.ErrorCode)
}

// Client calls Moodle web service functions with a token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a client for the site at baseURL.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

func (c *Client) call(ctx context.Context, function string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("wstoken", c.token)
	params.Set("wsfunction", function)
	params.Set("moodlewsrestformat", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+restPath+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request for %s: %w", function, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", function, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", function, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: status %d: %s", function, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '{' {
		var apiErr struct {
			Exception string `json:"exception"`
			ErrorCode string `json:"errorcode"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(trimmed, &apiErr) == nil && apiErr.Exception != "" {
			return &APIError{Function: function, Exception: apiErr.Exception, ErrorCode: apiErr.ErrorCode, Message: apiErr.Message}
		}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", function, err)
	}
	return nil
}

// Course is one course from core_course_get_courses.
type Course struct {
	ID        int    `json:"id"`
	ShortName string `json:"shortname"`
	FullName  string `json:"fullname"`
}

// Courses lists the courses visible to the token.
func (c *Client) Courses(ctx context.Context) ([]Course, error) {
	var out []Course
	if err := c.call(ctx, "core_course_get_courses", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// User is one enrolled user from core_enrol_get_enrolled_users.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	FullName string `json:"fullname"`
	Email    string `json:"email"`
	Roles    []struct {
		ShortName string `json:"shortname"`
	} `json:"roles"`
}

// EnrolledUsers lists the users enrolled in a course.
func (c *Client) EnrolledUsers(ctx context.Context, courseID int) ([]User, error) {
	var out []User
	params := url.Values{"courseid": {strconv.Itoa(courseID)}}
	if err := c.call(ctx, "core_enrol_get_enrolled_users", params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UserGrades is one user's row of the grade report.
type UserGrades struct {
	UserID       int    `json:"userid"`
	UserFullName string `json:"userfullname"`
	GradeItems   []struct {
		ItemName            string `json:"itemname"`
		ItemType            string `json:"itemtype"`
		GradeFormatted      string `json:"gradeformatted"`
		PercentageFormatted string `json:"percentageformatted"`
		Feedback            string `json:"feedback"`
	} `json:"gradeitems"`
}

// GradeReport returns the user grade report for every user of a course.
func (c *Client) GradeReport(ctx context.Context, courseID int) ([]UserGrades, error) {
	var out struct {
		UserGrades []UserGrades `json:"usergrades"`
	}
	params := url.Values{"courseid": {strconv.Itoa(courseID)}}
	if err := c.call(ctx, "gradereport_user_get_grade_items", params, &out); err != nil {
		return nil, err
	}
	return out.UserGrades, nil
}

// Roster merges enrolled users with their grade items. Users missing from the
// grade report get no grades.
func (c *Client) Roster(ctx context.Context, courseID int) ([]model.StudentRecord, error) {
	users, err := c.EnrolledUsers(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("get enrolled users: %w", err)
	}
	report, err := c.GradeReport(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("get grade report: %w", err)
	}

	grades := make(map[int][]model.GradeItem, len(report))
	for _, ug := range report {
		var items []model.GradeItem
		for _, gi := range ug.GradeItems {
			name := gi.ItemName
			if name == "" && gi.ItemType == "course" {
				name = "Course total"
			}
			if name == "" {
				continue
			}
			items = append(items, model.GradeItem{
				Name:       name,
				Grade:      strings.TrimSpace(gi.GradeFormatted),
				Percentage: strings.TrimSpace(gi.PercentageFormatted),
				Feedback:   markup.Text(gi.Feedback),
			})
		}
		grades[ug.UserID] = model.GradesFromItems(items).Items()
	}

	records := make([]model.StudentRecord, 0, len(users))
	for _, u := range users {
		if u.ID == 0 {
			continue
		}
		rec := model.StudentRecord{
			ID:       strconv.Itoa(u.ID),
			Username: u.Username,
			FullName: u.FullName,
			Email:    strings.TrimSpace(u.Email),
			Grades:   grades[u.ID],
		}
		for _, r := range u.Roles {
			rec.Roles = append(rec.Roles, r.ShortName)
		}
		records = append(records, rec)
	}
	return records, nil
}

// CourseRoster serves one course's roster to the batch runner.
type CourseRoster struct {
	Client   *Client
	CourseID int
}

func (r CourseRoster) Roster(ctx context.Context) ([]model.StudentRecord, error) {
	return r.Client.Roster(ctx, r.CourseID)
}
