package workflow

import (
	"fmt"
	"hash/fnv"
	"io"
	"maps"
	"slices"

	svg "github.com/ajstarks/svgo"
)

const (
	renderColumnWidth = 180
	renderRowHeight   = 90
	renderMargin      = 40
	renderNodeWidth   = 140
	renderNodeHeight  = 44
)

var nodePalette = []string{
	"#bf616a",
	"#d08770",
	"#ebcb8b",
	"#a3be8c",
	"#81a1c1",
	"#b48ead",
}

// Levels assigns each node the length of the longest link path leading to it.
// Nodes on a cycle keep the level at which they were first reached.
func (g Graph) Levels() map[string]int {
	incoming := make(map[string][]string)
	for _, l := range g.Links() {
		incoming[l.To] = append(incoming[l.To], l.From)
	}

	levels := make(map[string]int, len(g))
	visiting := make(map[string]bool)
	var depth func(id string) int
	depth = func(id string) int {
		if lvl, ok := levels[id]; ok {
			return lvl
		}
		if visiting[id] {
			return 0
		}
		visiting[id] = true
		lvl := 0
		for _, from := range incoming[id] {
			lvl = max(lvl, depth(from)+1)
		}
		visiting[id] = false
		levels[id] = lvl
		return lvl
	}
	for _, id := range SortNodeIDs(slices.Collect(maps.Keys(g))) {
		depth(id)
	}
	return levels
}

// Render draws the graph as an SVG document: one column per level, links as
// arrows labelled with the target input name.
func Render(w io.Writer, g Graph, title string) {
	levels := g.Levels()
	columns := make(map[int][]string)
	maxLevel := 0
	for _, id := range SortNodeIDs(slices.Collect(maps.Keys(g))) {
		lvl := levels[id]
		columns[lvl] = append(columns[lvl], id)
		maxLevel = max(maxLevel, lvl)
	}
	maxRows := 1
	for _, ids := range columns {
		maxRows = max(maxRows, len(ids))
	}

	width := 2*renderMargin + (maxLevel+1)*renderColumnWidth
	height := 2*renderMargin + maxRows*renderRowHeight

	coords := make(map[string][2]int, len(g))
	for lvl := 0; lvl <= maxLevel; lvl++ {
		for row, id := range columns[lvl] {
			coords[id] = [2]int{
				renderMargin + lvl*renderColumnWidth + renderNodeWidth/2,
				renderMargin + row*renderRowHeight + renderNodeHeight/2,
			}
		}
	}

	canvas := svg.New(w)
	canvas.Start(width, height)
	canvas.Title(title)

	canvas.Def()
	canvas.Marker("arrow", 10, 5, 10, 10, `orient="auto"`)
	canvas.Path("M0,0 L10,5 L0,10 z", "fill:#4c566a")
	canvas.MarkerEnd()
	canvas.DefEnd()

	for _, l := range g.Links() {
		src, dst := coords[l.From], coords[l.To]
		x1 := src[0] + renderNodeWidth/2
		x2 := dst[0] - renderNodeWidth/2
		canvas.Line(x1, src[1], x2, dst[1], "stroke:#4c566a;stroke-width:1;marker-end:url(#arrow)")
		canvas.Text((x1+x2)/2, (src[1]+dst[1])/2-4, l.Input, "text-anchor:middle;font-size:9px;fill:#4c566a")
	}

	for _, id := range SortNodeIDs(slices.Collect(maps.Keys(g))) {
		n := g[id]
		c := coords[id]
		x := c[0] - renderNodeWidth/2
		y := c[1] - renderNodeHeight/2
		canvas.Roundrect(x, y, renderNodeWidth, renderNodeHeight, 6, 6,
			fmt.Sprintf("fill:%s;stroke:#2e3440;stroke-width:1", classColour(n.ClassType)))
		label := n.Title()
		if label == "" {
			label = n.ClassType
		}
		canvas.Text(c[0], c[1]-4, "#"+id, "text-anchor:middle;font-size:10px;font-weight:bold;fill:#2e3440")
		canvas.Text(c[0], c[1]+10, label, "text-anchor:middle;font-size:10px;fill:#2e3440")
	}

	canvas.End()
}

// classColour picks a stable palette colour for a node class.
func classColour(class string) string {
	h := fnv.New32a()
	h.Write([]byte(class))
	return nodePalette[h.Sum32()%uint32(len(nodePalette))]
}
