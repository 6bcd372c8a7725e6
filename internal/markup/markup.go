// Package markup converts a journal document and its annotations to the
// persisted tagged-text form and back.
//
// The format is line oriented. A header line is followed by one line per block:
//
//	[doc:v=1;entry=e1]
//	[block:id=p1;kind=heading;level=1]My day
//	[block:id=p2;kind=paragraph;tag=id%3Dann_1%3Bemotion%3Dsad]Hello [tag:id=ann_2;emotion=stress;state=new;created=1767225600000]world[/tag] **today**
//
// Range annotations are inline marker pairs and contribute nothing to offsets.
// Block annotations ride on the block delimiter. Emphasis markers toggle a flag
// (** bold, * italic, __ underline), so their position relative to tag markers
// at the same boundary does not matter. Every character that could be read as
// a marker is written as an HTML entity.
package markup

import (
	"fmt"

	"catharsis/api/internal/annotation"
	"catharsis/api/internal/textmodel"
)

// Version is the grammar version written into every header.
const Version = 1

const (
	headerPrefix = "[doc:"
	blockPrefix  = "[block:"
	tagPrefix    = "[tag:"
	tagClose     = "[/tag]"
	boldMarker   = "**"
	italicMarker = "*"
	underMarker  = "__"
)

// Issue is a problem found while decoding. Decoding always recovers, so issues
// are reported alongside the result rather than instead of it.
type Issue struct {
	Line   int
	Err    error
	Detail string
}

func (i Issue) Error() string {
	if i.Detail == "" {
		return fmt.Sprintf("line %d: %v", i.Line, i.Err)
	}
	return fmt.Sprintf("line %d: %v: %s", i.Line, i.Err, i.Detail)
}

func (i Issue) Unwrap() error {
	return i.Err
}

// Result is a decoded entry.
type Result struct {
	Document    textmodel.Document
	Annotations []annotation.Annotation
	Issues      []Issue
}
