package lifecycle

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// linkRels are the <link rel> values whose targets belong in the shell.
var linkRels = map[string]bool{
	"stylesheet":    true,
	"modulepreload": true,
	"preload":       true,
	"manifest":      true,
	"icon":          true,
}

// DiscoverAssets parses an HTML document and returns the same-origin script
// and link targets it references, as path-and-query, in document order.
// pageURL is the absolute URL the document was fetched from.
func DiscoverAssets(body []byte, pageURL string) ([]string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page url: %w", err)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing HTML: %w", err)
	}

	var assets []string
	seen := make(map[string]bool)
	add := func(ref string) {
		target, ok := resolveSameOrigin(base, ref)
		if ok && !seen[target] {
			seen[target] = true
			assets = append(assets, target)
		}
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script":
				if src := attr(n, "src"); src != "" {
					add(src)
				}
			case "link":
				if href := attr(n, "href"); href != "" && wantedRel(attr(n, "rel")) {
					add(href)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return assets, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

// wantedRel reports whether any space-separated rel token is one we keep.
func wantedRel(rel string) bool {
	for _, tok := range strings.Fields(strings.ToLower(rel)) {
		if linkRels[tok] {
			return true
		}
	}
	return false
}

// resolveSameOrigin resolves ref against base and returns its path-and-query
// when it points at the same origin.
func resolveSameOrigin(base *url.URL, ref string) (string, bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(u)
	if resolved.Scheme != base.Scheme || !strings.EqualFold(resolved.Host, base.Host) {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.RequestURI(), true
}
