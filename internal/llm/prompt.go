package llm

import (
	"fmt"
	"strings"

	"github.com/sells-group/bom-matcher/internal/model"
	"github.com/sells-group/bom-matcher/pkg/mouser"
)

// Model constants.
const (
	ModelHaiku  = "claude-haiku-4-5-20251001"
	ModelSonnet = "claude-sonnet-4-5-20250929"
)

const (
	maxSearchTerms = 3
	maxCandidates  = 5
)

// searchTermSystemPrompt carries the static phrase-generation instructions.
// It is byte-identical across items so the system block can be cached
// server-side; only the per-item fields travel in the user message.
var searchTermSystemPrompt = fmt.Sprintf(`Your task is to generate a small number of diverse search terms (approximately %d) for finding electronic components on Mouser.com based on the following input fields: 'Description', 'Possible MPN', and 'Package'. The goal is to create search terms that are likely to yield relevant results. Consider the following strategies when generating these terms:

1. Prioritize the 'Possible MPN': If a 'Possible MPN' is provided, use it as one of the search terms, ideally as an exact match.
2. Create concise keyword-based searches from the 'Description', focusing on the most important features and component type.
3. Combine keywords from the 'Description' with the 'Package' information to narrow or broaden the search effectively.
4. Vary the level of detail in the generated search terms. Some should be more specific, while others should be broader to capture a wider range of potential matches.
5. Consider common abbreviations or alternative names for components or packages if they are likely to be used in Mouser's search.

Generate the search terms as a comma-separated list with no other text.`,
	maxSearchTerms)

// searchTermPrompt renders one item's fields as the user message.
func searchTermPrompt(item model.BOMItem) string {
	return fmt.Sprintf(`Here is the input for the current part:
Description: %s
Possible MPN: %s
Package: %s
Other Usage Notes: %s`,
		item.Description, item.PossibleMPN, item.Package, item.Notes)
}

// parseSearchTerms splits a comma-separated response into trimmed, non-empty
// terms, capped at maxSearchTerms.
func parseSearchTerms(response string) []string {
	var terms []string
	for _, raw := range strings.Split(response, ",") {
		term := strings.TrimSpace(raw)
		if term == "" {
			continue
		}
		terms = append(terms, term)
		if len(terms) == maxSearchTerms {
			break
		}
	}
	return terms
}

// rankSystemPrompt carries the static ranking instructions and the output
// contract. Static for the same cache-reuse reason as searchTermSystemPrompt.
var rankSystemPrompt = fmt.Sprintf(`You will be given a list of potential parts from Mouser for an original part described in the message. Your task is to evaluate this list and rank the best candidates that match the requirements and context provided.

When ranking the Mouser parts, prioritize parts that are currently in stock or have a short lead time. The most important factor is that a candidate closely matches the requirements and specifications mentioned in the 'Notes/Source' field for the original part. Favor parts with readily available datasheets. Consider the manufacturer if project preferences are indicated in the project notes or the parts already selected. While important, price should be a secondary consideration after availability and functional suitability are established. Ensure the specifications and package of each candidate are compatible with the original requirement.

Return up to %d candidates, best first, as a JSON array and nothing else. Use EXACTLY the Mouser Part Number as shown in the list:
[{"part_number": "XXXXX", "justification": "one sentence"}]`,
	maxCandidates)

// rankPrompt renders the per-item user message: the item under evaluation,
// project notes, the part numbers already chosen for earlier items in the
// same project, and the search results to rank.
func rankPrompt(item model.BOMItem, projectNotes string, priorSelections []string, parts []mouser.Part) string {
	var sb strings.Builder

	sb.WriteString("Original Part Details (Currently Evaluating):\n")
	fmt.Fprintf(&sb, "Quantity: %d\n", item.Quantity)
	fmt.Fprintf(&sb, "Description: %s\n", item.Description)
	fmt.Fprintf(&sb, "Possible MPN: %s\n", item.PossibleMPN)
	fmt.Fprintf(&sb, "Package: %s\n", item.Package)
	fmt.Fprintf(&sb, "Notes/Source: %s\n", item.Notes)

	sb.WriteString("\nProject Notes:\n")
	if projectNotes == "" {
		sb.WriteString("None\n")
	} else {
		sb.WriteString(projectNotes + "\n")
	}

	sb.WriteString("\nParts already selected for this project:\n")
	if len(priorSelections) == 0 {
		sb.WriteString("None\n")
	} else {
		for _, pn := range priorSelections {
			sb.WriteString("- " + pn + "\n")
		}
	}

	sb.WriteString("\nMouser Search Results:\n")
	for _, part := range parts {
		fmt.Fprintf(&sb, "\nManufacturer: %s\n", orNA(part.Manufacturer))
		fmt.Fprintf(&sb, "Manufacturer Part Number: %s\n", orNA(part.ManufacturerPartNumber))
		fmt.Fprintf(&sb, "Mouser Part Number: %s\n", orNA(part.MouserPartNumber))
		fmt.Fprintf(&sb, "Description: %s\n", orNA(part.Description))
		fmt.Fprintf(&sb, "Price: %s\n", part.UnitPrice())
		fmt.Fprintf(&sb, "Availability: %s\n", part.Availability())
		fmt.Fprintf(&sb, "Datasheet URL: %s\n", orNA(part.DataSheetURL))
	}

	return sb.String()
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// stripCodeFence removes a surrounding markdown code fence, if any, so the
// remainder can be decoded as JSON.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
