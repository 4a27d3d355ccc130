package extract

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

const opPPTX = "extract.PPTX"

var (
	slidePath = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	// atTag matches <a:t>text</a:t> with any attributes.
	atTag = regexp.MustCompile(`<a:t(?:\s[^>]*)?>([^<]*)</a:t>`)
)

type pptxProcessor struct{}

func (pptxProcessor) Extensions() []string { return []string{".pptx"} }

// Extract returns one page per slide, in slide number order.
func (pptxProcessor) Extract(ctx context.Context, path string) (*Result, error) {
	zr, err := openPackage(opPPTX, path)
	if err != nil {
		return nil, err
	}
	type slide struct {
		num  int
		name string
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slidePath.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{num: n, name: f.Name})
		}
	}
	slices.SortFunc(slides, func(a, b slide) int { return a.num - b.num })

	pages := make([]string, 0, len(slides))
	for _, s := range slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := readEntry(opPPTX, zr, s.name)
		if err != nil {
			return nil, err
		}
		var parts []string
		for _, m := range atTag.FindAllStringSubmatch(string(data), -1) {
			if t := strings.TrimSpace(xmlEntities.Replace(m[1])); t != "" {
				parts = append(parts, t)
			}
		}
		pages = append(pages, strings.Join(parts, " "))
	}
	return &Result{Pages: pages}, nil
}
