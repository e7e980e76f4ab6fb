package main

import (
	"fmt"
	"log"
	"os"
	"sort"

	anonymize "github.com/bgilbert/anonymize-slide"
	"github.com/sirupsen/logrus"
)

func printEntry(e *anonymize.TiffEntry) {
	name, found := anonymize.TagNames[e.Tag]
	if found {
		fmt.Printf("%s %s(%d)", name, e.Type.Name(), e.Count)
	} else {
		fmt.Printf("Unknown %d(0x%X) %s(%d)", e.Tag, uint16(e.Tag), e.Type.Name(), e.Count)
	}
	switch {
	case e.Type == anonymize.ASCII:
		str, err := e.ASCII()
		if err != nil {
			fmt.Printf(" <%v>", err)
			break
		}
		if len(str) > 60 {
			fmt.Printf(" %q...", str[:60])
		} else {
			fmt.Printf(" %q", str)
		}
	case e.Type.IsIntegral():
		vals, err := e.Integers()
		if err != nil {
			fmt.Printf(" <%v>", err)
			break
		}
		limit := len(vals)
		if limit > 8 {
			limit = 8
		}
		for _, v := range vals[:limit] {
			fmt.Printf(" %d", v)
		}
		if len(vals) > limit {
			fmt.Print("...")
		}
	case e.Type.IsFloat():
		vals, err := e.Floats()
		if err != nil {
			fmt.Printf(" <%v>", err)
			break
		}
		for _, v := range vals {
			fmt.Printf(" %g", v)
		}
	}
	fmt.Println()
}

// Read and display the directory structure of a slide TIFF, in any of
// the dialects the anonymizer understands.
func main() {
	if len(os.Args) != 2 {
		fmt.Printf("Usage: %s file\n", os.Args[0])
		return
	}
	quiet := logrus.New()
	quiet.SetLevel(logrus.WarnLevel)
	t, err := anonymize.OpenTiff(os.Args[1], quiet)
	if err != nil {
		log.Fatal(err)
	}
	defer t.Close()

	fmt.Println(t.DialectName())
	for i, d := range t.Directories {
		fmt.Println()
		fmt.Printf("Directory %d with %d entries:\n", i, len(d.Entries))
		tags := make([]anonymize.Tag, 0, len(d.Entries))
		for tag := range d.Entries {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
		for _, tag := range tags {
			printEntry(d.Entries[tag])
		}
	}
}
