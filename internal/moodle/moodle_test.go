package moodle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/studycoach/internal/model"
)

const enrolledJSON = `[
  {"id": 3, "username": "ana", "fullname": "Ana Lopez", "email": "ana@example.com",
   "roles": [{"roleid": 5, "shortname": "student"}]},
  {"id": 4, "username": "ben", "fullname": "Ben Ito", "email": "",
   "roles": [{"roleid": 5, "shortname": "student"}]},
  {"id": 2, "username": "teach", "fullname": "T. Eacher", "email": "t@example.com",
   "roles": [{"roleid": 3, "shortname": "editingteacher"}]}
]`

const gradesJSON = `{"usergrades": [
  {"userid": 3, "userfullname": "Ana Lopez", "gradeitems": [
    {"itemname": "Quiz 1", "itemtype": "mod", "gradeformatted": "85.00", "percentageformatted": "85.00 %", "feedback": "<p>Good  job</p>"},
    {"itemname": null, "itemtype": "course", "gradeformatted": "72.50", "percentageformatted": "72.50 %", "feedback": ""}
  ]}
], "warnings": []}`

func newTestServer(t *testing.T, handler func(fn string) (int, string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != restPath {
			t.Errorf("path = %q, want %q", r.URL.Path, restPath)
		}
		q := r.URL.Query()
		if q.Get("wstoken") != "tok" || q.Get("moodlewsrestformat") != "json" {
			t.Errorf("query = %v", q)
		}
		status, body := handler(q.Get("wsfunction"))
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRoster(t *testing.T) {
	srv := newTestServer(t, func(fn string) (int, string) {
		switch fn {
		case "core_enrol_get_enrolled_users":
			return http.StatusOK, enrolledJSON
		case "gradereport_user_get_grade_items":
			return http.StatusOK, gradesJSON
		}
		return http.StatusNotFound, ""
	})

	c := New(srv.URL+"/", "tok", srv.Client())
	got, err := CourseRoster{Client: c, CourseID: 9}.Roster(context.Background())
	if err != nil {
		t.Fatalf("Roster: %v", err)
	}

	want := []model.StudentRecord{
		{ID: "3", Username: "ana", FullName: "Ana Lopez", Email: "ana@example.com", Roles: []string{"student"},
			Grades: []model.GradeItem{
				{Name: "Quiz 1", Grade: "85.00", Percentage: "85.00 %", Feedback: "Good job"},
				{Name: "Course total", Grade: "72.50", Percentage: "72.50 %"},
			}},
		{ID: "4", Username: "ben", FullName: "Ben Ito", Roles: []string{"student"}},
		{ID: "2", Username: "teach", FullName: "T. Eacher", Email: "t@example.com", Roles: []string{"editingteacher"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Roster() mismatch (-want +got):\n%s", diff)
	}
}

func TestAPIException(t *testing.T) {
	srv := newTestServer(t, func(fn string) (int, string) {
		return http.StatusOK, `{"exception":"moodle_exception","errorcode":"invalidtoken","message":"Invalid token - token not found"}`
	})

	_, err := New(srv.URL, "tok", srv.Client()).Courses(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Courses() error = %v, want *APIError", err)
	}
	if apiErr.ErrorCode != "invalidtoken" || apiErr.Function != "core_course_get_courses" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestHTTPError(t *testing.T) {
	srv := newTestServer(t, func(fn string) (int, string) {
		return http.StatusInternalServerError, "boom"
	})
	if _, err := New(srv.URL, "tok", srv.Client()).EnrolledUsers(context.Background(), 1); err == nil {
		t.Error("EnrolledUsers() should fail on status 500")
	}
}

func TestCourses(t *testing.T) {
	srv := newTestServer(t, func(fn string) (int, string) {
		return http.StatusOK, `[{"id":1,"shortname":"site","fullname":"Site"},{"id":9,"shortname":"PANCE","fullname":"PANCE Prep"}]`
	})
	got, err := New(srv.URL, "tok", srv.Client()).Courses(context.Background())
	if err != nil {
		t.Fatalf("Courses: %v", err)
	}
	if len(got) != 2 || got[1].ID != 9 || got[1].FullName != "PANCE Prep" {
		t.Errorf("Courses() = %+v", got)
	}
}
