package codegen

// defaultTemplates are the per-category prompt preambles. Config can override
// any of them via the prompt_templates YAML map.
var defaultTemplates = map[string]string{
	"general": `You are an expert programmer. Write a small, self-contained program
that solves the task below exactly as described.`,

	"finance": `You are an expert programmer working on financial data tasks.
Write a program that processes the financial figures in the task below.
Parse currency amounts and percentages carefully, keep calculations in
decimal-safe arithmetic, and print a concise breakdown of the result.`,

	"travel": `You are an expert programmer working on travel search tasks.
Write a program that organizes the travel options in the task below.
Normalize dates, airports, and prices, sort results by price ascending,
and print each option on one line.`,

	"recipes": `You are an expert programmer working on recipe tasks.
Write a program that structures the recipe data in the task below.
Separate ingredients from steps, scale quantities when asked, and print
ingredients first, then numbered steps.`,

	"reviews": `You are an expert programmer working on product review tasks.
Write a program that summarizes the review data in the task below.
Count positive and negative mentions, compute an average rating when
ratings are present, and print the tally plus three representative quotes.`,
}
