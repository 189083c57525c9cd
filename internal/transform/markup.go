// Package transform converts issues, comments and rich text between the
// internal tracker's HTML shapes and GitLab's markdown shapes, and maps Jira
// import payloads onto internal entities. Nothing here performs I/O.
package transform

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/steveyegge/trackbridge/internal/types"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
	sanitizer = newSanitizer()

	// mdLinkPattern matches markdown images and links: ![alt](target) and [text](target).
	mdLinkPattern = regexp.MustCompile(`(!?)\[([^\]]*)\]\(([^)\s]+)\)`)

	// issueRefPattern matches bare "#123" references that are not part of a word, URL or entity.
	issueRefPattern = regexp.MustCompile(`(^|[\s(])#(\d+)\b`)
)

func newSanitizer() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("mention-component")
	p.AllowAttrs("entity_identifier", "entity_name").OnElements("mention-component")
	return p
}

// ToInternalMarkup renders GitLab markdown as sanitised HTML. Relative
// image targets and "/uploads/" links are resolved against uploadsPrefix.
func ToInternalMarkup(externalMarkdown, uploadsPrefix string) string {
	src := rewriteUploads(strings.TrimSpace(externalMarkdown), uploadsPrefix)
	if src == "" {
		return "<p></p>"
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		// goldmark only fails on writer errors; a bytes.Buffer never fails.
		return "<p>" + html.EscapeString(src) + "</p>"
	}
	return strings.TrimSpace(sanitizer.Sanitize(buf.String()))
}

// Sanitize cleans HTML that arrives already rendered, such as Jira's
// renderedFields.
func Sanitize(fragment string) string {
	return strings.TrimSpace(sanitizer.Sanitize(fragment))
}

func rewriteUploads(md, prefix string) string {
	if prefix == "" {
		return md
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return mdLinkPattern.ReplaceAllStringFunc(md, func(m string) string {
		sub := mdLinkPattern.FindStringSubmatch(m)
		bang, text, target := sub[1], sub[2], sub[3]
		switch {
		case isAbsoluteURL(target):
			return m
		case strings.HasPrefix(target, "/uploads/"):
			return fmt.Sprintf("%s[%s](%s%s)", bang, text, prefix, target)
		case bang == "!":
			return fmt.Sprintf("![%s](%s/%s)", text, prefix, strings.TrimPrefix(target, "/"))
		default:
			return m
		}
	})
}

// LinkIssueReferences turns bare "#123" references into links to issues of
// the GitLab repository.
func LinkIssueReferences(md, gitlabBaseURL, repository string) string {
	if repository == "" {
		return md
	}
	base := strings.TrimSuffix(gitlabBaseURL, "/")
	return issueRefPattern.ReplaceAllString(md, fmt.Sprintf("${1}[%s #${2}](%s/%s/-/issues/${2})", repository, base, repository))
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "mailto:")
}

// ToExternalMarkup converts internal HTML to GitLab markdown. Relative
// asset URLs are resolved against assetPrefix; user mentions are replaced by
// the member's display name.
func ToExternalMarkup(internalHTML, assetPrefix string, users []types.User) string {
	nodes, err := html.ParseFragment(strings.NewReader(internalHTML), &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body})
	if err != nil {
		return strings.TrimSpace(internalHTML)
	}
	w := &mdWriter{assetPrefix: strings.TrimSuffix(assetPrefix, "/"), users: users}
	for _, n := range nodes {
		w.node(n)
	}
	return w.String()
}

type mdWriter struct {
	buf         strings.Builder
	assetPrefix string
	users       []types.User
	listDepth   int
	ordered     []int
}

func (w *mdWriter) String() string {
	out := w.buf.String()
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(out)
}

func (w *mdWriter) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.node(c)
	}
}

func (w *mdWriter) block(n *html.Node, prefix string) {
	w.buf.WriteString("\n\n" + prefix)
	w.children(n)
	w.buf.WriteString("\n\n")
}

func (w *mdWriter) wrap(n *html.Node, mark string) {
	w.buf.WriteString(mark)
	w.children(n)
	w.buf.WriteString(mark)
}

func (w *mdWriter) node(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		w.buf.WriteString(n.Data)
		return
	case html.ElementNode:
	default:
		w.children(n)
		return
	}

	switch n.Data {
	case "p", "div":
		w.block(n, "")
	case "h1", "h2", "h3", "h4", "h5", "h6":
		w.block(n, strings.Repeat("#", int(n.Data[1]-'0'))+" ")
	case "strong", "b":
		w.wrap(n, "**")
	case "em", "i":
		w.wrap(n, "_")
	case "s", "del":
		w.wrap(n, "~~")
	case "code":
		w.wrap(n, "`")
	case "pre":
		w.buf.WriteString("\n\n```\n" + textContent(n) + "\n```\n\n")
	case "br":
		w.buf.WriteString("\n")
	case "hr":
		w.buf.WriteString("\n\n---\n\n")
	case "blockquote":
		inner := &mdWriter{assetPrefix: w.assetPrefix, users: w.users}
		inner.children(n)
		w.buf.WriteString("\n\n")
		for _, line := range strings.Split(inner.String(), "\n") {
			w.buf.WriteString("> " + line + "\n")
		}
		w.buf.WriteString("\n")
	case "ul", "ol":
		w.list(n)
	case "li":
		w.item(n)
	case "a":
		href := attr(n, "href")
		w.buf.WriteString("[")
		w.children(n)
		w.buf.WriteString("](" + w.resolve(href) + ")")
	case "img":
		w.buf.WriteString(fmt.Sprintf("![%s](%s)", attr(n, "alt"), w.resolve(attr(n, "src"))))
	case "mention-component":
		w.buf.WriteString(w.mention(attr(n, "entity_identifier")))
	default:
		w.children(n)
	}
}

func (w *mdWriter) list(n *html.Node) {
	w.listDepth++
	if n.Data == "ol" {
		w.ordered = append(w.ordered, 1)
	} else {
		w.ordered = append(w.ordered, 0)
	}
	if w.listDepth == 1 {
		w.buf.WriteString("\n\n")
	}
	w.children(n)
	w.ordered = w.ordered[:len(w.ordered)-1]
	w.listDepth--
	if w.listDepth == 0 {
		w.buf.WriteString("\n")
	}
}

func (w *mdWriter) item(n *html.Node) {
	indent := strings.Repeat("  ", max(w.listDepth-1, 0))
	marker := "- "
	if len(w.ordered) > 0 && w.ordered[len(w.ordered)-1] > 0 {
		i := len(w.ordered) - 1
		marker = fmt.Sprintf("%d. ", w.ordered[i])
		w.ordered[i]++
	}
	inner := &mdWriter{assetPrefix: w.assetPrefix, users: w.users, listDepth: w.listDepth, ordered: w.ordered}
	inner.children(n)
	w.buf.WriteString("\n" + indent + marker + strings.TrimSpace(inner.buf.String()))
}

func (w *mdWriter) mention(userID string) string {
	for _, u := range w.users {
		if u.ID == userID {
			return u.DisplayName + "(Plane User)"
		}
	}
	return "@" + userID
}

func (w *mdWriter) resolve(target string) string {
	if target == "" || isAbsoluteURL(target) || strings.HasPrefix(target, "#") || w.assetPrefix == "" {
		return target
	}
	return w.assetPrefix + "/" + strings.TrimPrefix(target, "/")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}
