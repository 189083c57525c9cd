package transform

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/trackbridge/internal/gitlab"
	"github.com/steveyegge/trackbridge/internal/jira"
	"github.com/steveyegge/trackbridge/internal/types"
)

var testStates = []types.State{
	{ID: "s-backlog", Name: "Backlog", Group: types.StateGroupBacklog},
	{ID: "s-todo", Name: "Todo", Group: types.StateGroupUnstarted},
	{ID: "s-doing", Name: "In Progress", Group: types.StateGroupStarted},
	{ID: "s-done", Name: "Done", Group: types.StateGroupCompleted},
}

func testConfig() Config {
	return Config{
		Source: types.IntegrationGitLab,
		States: testStates,
		Labels: []types.Label{
			{ID: "l-gitlab", Name: "gitlab"},
			{ID: "l-bug", Name: "bug"},
		},
		Users:         []types.User{{ID: "u1", DisplayName: "Ada"}},
		AssetPrefix:   "https://sync.example.com/api/assets/gitlab/ws1/u1",
		UploadsPrefix: "https://gitlab.com/-/project/7",
		GitLabBaseURL: "https://gitlab.com",
		Repository:    "acme/web",
	}
}

func TestToExternalShape(t *testing.T) {
	issue := &types.Issue{
		Name:            "Login broken",
		DescriptionHTML: "<p>Steps <strong>here</strong></p>",
		Labels:          []string{"l-gitlab", "l-bug", "l-unknown"},
		Priority:        "high",
		State:           "s-done",
	}

	req := ToExternalShape(issue, testConfig())

	assert.Equal(t, "Login broken", req.Title)
	assert.Equal(t, "Steps **here**", req.Description)
	assert.Equal(t, []string{"bug", "priority::high", "plane"}, req.Labels)
	assert.Equal(t, gitlab.StateEventClose, req.StateEvent)
}

func TestStateEvent(t *testing.T) {
	mapped := testConfig()
	mapped.StateMapping = types.StateMapping{
		IssueOpen:   &types.StateRef{ID: "s-doing"},
		IssueClosed: &types.StateRef{ID: "s-todo"},
	}

	tests := []struct {
		name  string
		cfg   Config
		state string
		want  string
	}{
		{"no state", testConfig(), "", ""},
		{"completed group closes", testConfig(), "s-done", "close"},
		{"other group reopens", testConfig(), "s-doing", "reopen"},
		{"mapping closes", mapped, "s-todo", "close"},
		{"mapping opens", mapped, "s-doing", "reopen"},
		{"unmapped falls back to group", mapped, "s-done", "close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stateEvent(tt.state, tt.cfg); got != tt.want {
				t.Errorf("stateEvent(%q) = %q, want %q", tt.state, got, tt.want)
			}
		})
	}
}

func TestToInternalIssue(t *testing.T) {
	created := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	gl := &gitlab.Issue{
		ID: 9001, IID: 3, ProjectID: 7,
		Title:       "Crash on save",
		Description: "See #12 and ![shot](/uploads/abc/shot.png)",
		State:       "closed",
		Labels:      []string{"plane", "bug", "priority::critical"},
		CreatedAt:   &created,
	}

	issue := ToInternalIssue(gl, testConfig())

	assert.Equal(t, "7_3", issue.ExternalID)
	assert.Equal(t, "GITLAB", issue.ExternalSource)
	assert.Equal(t, "s-done", issue.State)
	assert.Equal(t, "urgent", issue.Priority)
	assert.Equal(t, []string{"bug"}, issue.Labels)
	assert.Equal(t, created, issue.CreatedAt)
	assert.Contains(t, issue.DescriptionHTML, `href="https://gitlab.com/acme/web/-/issues/12"`)
	assert.Contains(t, issue.DescriptionHTML, `src="https://gitlab.com/-/project/7/uploads/abc/shot.png"`)

	gl.State = "opened"
	assert.Equal(t, "s-backlog", ToInternalIssue(gl, testConfig()).State)
}

func TestToInternalMarkup_Sanitizes(t *testing.T) {
	out := ToInternalMarkup("hello <script>alert(1)</script> **world**", "")
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "<strong>world</strong>")
	assert.Equal(t, "<p></p>", ToInternalMarkup("   ", ""))
}

func TestRewriteUploads(t *testing.T) {
	prefix := "https://gitlab.com/-/project/7/"
	tests := []struct {
		in, want string
	}{
		{"![a](/uploads/x.png)", "![a](https://gitlab.com/-/project/7/uploads/x.png)"},
		{"[file](/uploads/f.pdf)", "[file](https://gitlab.com/-/project/7/uploads/f.pdf)"},
		{"![a](img/x.png)", "![a](https://gitlab.com/-/project/7/img/x.png)"},
		{"![a](https://cdn.example.com/x.png)", "![a](https://cdn.example.com/x.png)"},
		{"[docs](/help)", "[docs](/help)"},
	}
	for _, tt := range tests {
		if got := rewriteUploads(tt.in, prefix); got != tt.want {
			t.Errorf("rewriteUploads(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToExternalMarkup(t *testing.T) {
	users := []types.User{{ID: "u1", DisplayName: "Ada"}}
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"paragraphs", "<p>One</p><p>Two</p>", "One\n\nTwo"},
		{"inline", "<p><em>a</em> <code>b</code> <s>c</s></p>", "_a_ `b` ~~c~~"},
		{"heading", "<h2>Title</h2>", "## Title"},
		{"link", `<p><a href="https://x.dev">x</a></p>`, "[x](https://x.dev)"},
		{"relative image", `<img src="/assets/i.png" alt="i">`, "![i](https://a.example/p/assets/i.png)"},
		{"list", "<ul><li>a</li><li>b</li></ul>", "- a\n- b"},
		{"ordered list", "<ol><li>a</li><li>b</li></ol>", "1. a\n2. b"},
		{"mention", `<p>hi <mention-component entity_identifier="u1"></mention-component></p>`, "hi Ada(Plane User)"},
		{"code block", "<pre><code>x := 1</code></pre>", "```\nx := 1\n```"},
		{"quote", "<blockquote><p>q</p></blockquote>", "> q"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToExternalMarkup(tt.in, "https://a.example/p/", users); got != tt.want {
				t.Errorf("ToExternalMarkup(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestComments(t *testing.T) {
	cfg := testConfig()
	note := &gitlab.Note{ID: 55, Body: "Fixed in #4", Author: &gitlab.User{Name: "Grace"}}

	c := ToInternalComment(note, "i1", "anchor-1", false, cfg)
	assert.Equal(t, "anchor-1", c.Parent)
	assert.Equal(t, "55", c.ExternalID)
	assert.Contains(t, c.CommentHTML, "Comment by Grace on GitLab")

	updated := ToInternalComment(note, "i1", "anchor-1", true, cfg)
	assert.NotContains(t, updated.CommentHTML, "Comment by")

	out := ToExternalComment(&types.Comment{CommentHTML: "<p>Ship it</p>", Actor: "u1"}, cfg)
	assert.Equal(t, "Ship it\n\nComment by Ada on Plane", out)
}

func TestLinkComment(t *testing.T) {
	body := LinkComment(&types.Project{Identifier: "WEB"}, &types.Issue{SequenceID: 12, Name: "Crash"},
		"https://app.example.com/acme/browse/WEB-12/", "https://app.example.com")
	assert.True(t, IsLinkComment(body))
	assert.Contains(t, body, "[[WEB-12] Crash](https://app.example.com/acme/browse/WEB-12/)")
	assert.False(t, IsLinkComment("regular note"))
}

func TestCrossLinkAndAnchor(t *testing.T) {
	gl := &gitlab.Issue{IID: 3, Title: "Crash", WebURL: "https://gitlab.com/acme/web/-/issues/3"}
	link := CrossLink(gl, "acme/web")
	assert.Equal(t, "[acme/web] Crash #3", link.Title)
	assert.Equal(t, gl.WebURL, link.URL)
	assert.Contains(t, AnchorComment(gl, "acme/web"), `href="https://gitlab.com/acme/web/-/issues/3"`)
}

func TestJiraIssue(t *testing.T) {
	jc := JiraContext{
		ProjectID:  "p1",
		ResourceID: "ENG",
		BaseURL:    "https://jira.example.com",
		States:     testStates,
		Users:      map[string]string{"ada@example.com": "u1"},
		Labels:     map[string]string{"bug": "l-bug", "jira imported": "l-imp"},
		IssueTypes: map[string]string{"10004": "t-bug"},
	}
	issue := &jira.Issue{
		ID:  "10001",
		Key: "ENG-1",
		Fields: jira.IssueFields{
			Summary:   "Broken",
			Status:    &jira.StatusField{Name: "In Progress", StatusCategory: &jira.StatusCategory{Key: "indeterminate"}},
			Priority:  &jira.PriorityField{Name: "Highest"},
			IssueType: &jira.IssueTypeField{ID: "10004", Name: "Bug"},
			Assignee:  &jira.User{EmailAddress: "Ada@Example.com"},
			Labels:    []string{"Bug", "bug"},
			Created:   "2024-01-15T10:30:00.000+0000",
		},
		RenderedFields: &jira.RenderedFields{Description: `<p onclick="x()">Steps</p>`},
	}

	out := JiraIssue(issue, jc)
	require.NotNil(t, out)
	assert.Equal(t, "p1_ENG_10001", out.ExternalID)
	assert.Equal(t, "JIRA_SERVER", out.ExternalSource)
	assert.Equal(t, "s-doing", out.State)
	assert.Equal(t, "urgent", out.Priority)
	assert.Equal(t, "t-bug", out.TypeID)
	assert.Equal(t, []string{"u1"}, out.Assignees)
	assert.Equal(t, []string{"l-bug", "l-imp"}, out.Labels)
	assert.Equal(t, "<p>Steps</p>", out.DescriptionHTML)
	assert.Equal(t, "https://jira.example.com/browse/ENG-1", JiraLink(issue, jc).URL)

	empty := JiraIssue(&jira.Issue{ID: "2"}, jc)
	assert.Equal(t, "Untitled", empty.Name)
	assert.Equal(t, "<p></p>", empty.DescriptionHTML)
	assert.Equal(t, "s-backlog", empty.State)
}

func TestJiraUserAndComment(t *testing.T) {
	assert.Nil(t, JiraUser(jira.User{Name: "svc"}))
	u := JiraUser(jira.User{Name: "ada", EmailAddress: "ada@example.com"})
	require.NotNil(t, u)
	assert.Equal(t, "ada", u.DisplayName)

	jc := JiraContext{ProjectID: "p1", ResourceID: "ENG"}
	c := JiraComment(&jira.Comment{ID: "7", Body: "a < b"}, "i1", jc)
	assert.Equal(t, "<p>a &lt; b</p>", c.CommentHTML)
	assert.Equal(t, "p1_ENG_7", c.ExternalID)

	assert.Equal(t, "bug", JiraLabel("Bug").Name)
	assert.True(t, strings.HasPrefix(JiraLabel("Bug").Color, "#"))
}

func TestJiraSprintAndIssueType(t *testing.T) {
	jc := JiraContext{ProjectID: "p1", ResourceID: "ENG"}

	c := JiraSprint(&jira.Sprint{ID: 12, Name: "Sprint 4", Goal: "Ship", StartDate: "2024-03-04T09:00:00.000+01:00", EndDate: "bogus"}, jc)
	assert.Equal(t, "p1_ENG_12", c.ExternalID)
	assert.Equal(t, "2024-03-04", c.StartDate)
	assert.Empty(t, c.EndDate)
	assert.Equal(t, "Ship", c.Description)

	assert.True(t, JiraIssueType(&jira.IssueType{ID: "1", Name: "Epic"}, jc).IsEpic)
	bug := JiraIssueType(&jira.IssueType{ID: "2", Name: "Bug"}, jc)
	assert.False(t, bug.IsEpic)
	assert.Equal(t, "p1_ENG_2", bug.ExternalID)
}

func TestJiraField(t *testing.T) {
	jc := JiraContext{ProjectID: "p1", ResourceID: "ENG"}
	tests := []struct {
		name   string
		custom string
		want   types.PropertyType
		multi  bool
	}{
		{"text", "com.atlassian.jira.plugin.system.customfieldtypes:textfield", types.PropertyText, false},
		{"select", "com.atlassian.jira.plugin.system.customfieldtypes:select", types.PropertyTypeOption, false},
		{"checkboxes", "com.atlassian.jira.plugin.system.customfieldtypes:multicheckboxes", types.PropertyTypeOption, true},
		{"users", "com.atlassian.jira.plugin.system.customfieldtypes:multiuserpicker", types.PropertyRelation, true},
		{"unsupported", "com.atlassian.jira.plugin.system.customfieldtypes:cascadingselect", "", false},
		{"sprint", "com.pyxis.greenhopper.jira:gh-sprint", "", false},
		{"system", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &jira.Field{FieldID: "customfield_10200", Name: "Severity", Schema: jira.FieldSchema{Custom: tt.custom}}
			p := JiraField(f, "10004", "t-bug", jc)
			if tt.want == "" {
				assert.Nil(t, p)
				return
			}
			require.NotNil(t, p)
			assert.Equal(t, tt.want, p.PropertyType)
			assert.Equal(t, tt.multi, p.IsMulti)
			assert.Equal(t, "t-bug", p.TypeID)
			assert.Equal(t, "p1_ENG_10004_10200", p.ExternalID)
		})
	}

	opts := JiraFieldOptions(&jira.Field{AllowedValues: []jira.FieldOption{
		{ID: "1", Value: "S1"}, {ID: "2", Value: "S2", Disabled: true}, {ID: "3"},
	}}, "10004", "prop-1", jc)
	require.Len(t, opts, 2)
	assert.Equal(t, "prop-1", opts[0].PropertyID)
	assert.True(t, opts[0].IsActive)
	assert.False(t, opts[1].IsActive)
	assert.Equal(t, "p1_ENG_10004_2", opts[1].ExternalID)
}
