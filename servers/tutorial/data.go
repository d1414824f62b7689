package tutorial

// Animal is the record served by the animal://{animal_name} template.
type Animal struct {
	Name           string `json:"name"`
	ScientificName string `json:"scientific_name"`
	Type           string `json:"type"`
	Habitat        string `json:"habitat"`
	Diet           string `json:"diet"`
	Lifespan       string `json:"lifespan"`
	Description    string `json:"description"`
}

const greetingText = "Welcome to the MCP Tutorial Server!"

var animals = map[string]Animal{
	"lion": {
		Name:           "Lion",
		ScientificName: "Panthera leo",
		Type:           "Mammal",
		Habitat:        "Savanna, grassland",
		Diet:           "Carnivore",
		Lifespan:       "10-14 years in the wild",
		Description: "Lions are the second largest big cat species after tigers. They are known for their " +
			"distinctive manes (in males) and social behavior, living in groups called prides.",
	},
	"tiger": {
		Name:           "Tiger",
		ScientificName: "Panthera tigris",
		Type:           "Mammal",
		Habitat:        "Forest, grassland, swamp",
		Diet:           "Carnivore",
		Lifespan:       "10-15 years in the wild",
		Description: "Tigers are the largest cat species with distinctive orange fur with black stripes. " +
			"They are solitary hunters and excellent swimmers.",
	},
	"cat": {
		Name:           "Domestic Cat",
		ScientificName: "Felis catus",
		Type:           "Mammal",
		Habitat:        "Various, often domesticated",
		Diet:           "Carnivore",
		Lifespan:       "12-18 years",
		Description: "Domestic cats are small, carnivorous mammals that have been living alongside humans for " +
			"thousands of years. They are known for their agility, independent nature, and grooming behavior.",
	},
	"dog": {
		Name:           "Domestic Dog",
		ScientificName: "Canis familiaris",
		Type:           "Mammal",
		Habitat:        "Various, domesticated",
		Diet:           "Omnivore",
		Lifespan:       "10-13 years on average",
		Description: "Dogs were the first domesticated animal and have evolved alongside humans for over 15,000 " +
			"years. They come in hundreds of breeds with diverse appearances and temperaments.",
	},
	"bird": {
		Name:           "Bird",
		ScientificName: "Class Aves",
		Type:           "Vertebrate",
		Habitat:        "Diverse - worldwide",
		Diet:           "Varies by species",
		Lifespan:       "Varies by species",
		Description: "Birds are feathered, winged animals that lay eggs. They have lightweight, hollow bones and " +
			"are the only living descendants of dinosaurs.",
	},
	"horse": {
		Name:           "Horse",
		ScientificName: "Equus ferus caballus",
		Type:           "Mammal",
		Habitat:        "Grasslands, plains",
		Diet:           "Herbivore",
		Lifespan:       "25-30 years",
		Description: "Horses are large mammals that have been domesticated for thousands of years. They are known " +
			"for their strength, speed, and their historical importance in transportation, agriculture, and warfare.",
	},
}

const mcpOverviewText = `Model Context Protocol
The Model Context Protocol is an open standard that enables developers to build secure, two-way connections between their data sources and AI-powered tools. The architecture is straightforward: developers can either expose their data through MCP servers or build AI applications (MCP clients) that connect to these servers.

Today, we're introducing three major components of the Model Context Protocol for developers:

The Model Context Protocol specification and SDKs
Local MCP server support in the Claude Desktop apps
An open-source repository of MCP servers
Claude 3.5 Sonnet is adept at quickly building MCP server implementations, making it easy for organizations and individuals to rapidly connect their most important datasets with a range of AI-powered tools. To help developers start exploring, we’re sharing pre-built MCP servers for popular enterprise systems like Google Drive, Slack, GitHub, Git, Postgres, and Puppeteer.

Early adopters like Block and Apollo have integrated MCP into their systems, while development tools companies including Zed, Replit, Codeium, and Sourcegraph are working with MCP to enhance their platforms—enabling AI agents to better retrieve relevant information to further understand the context around a coding task and produce more nuanced and functional code with fewer attempts.

"At Block, open source is more than a development model—it’s the foundation of our work and a commitment to creating technology that drives meaningful change and serves as a public good for all,” said Dhanji R. Prasanna, Chief Technology Officer at Block. “Open technologies like the Model Context Protocol are the bridges that connect AI to real-world applications, ensuring innovation is accessible, transparent, and rooted in collaboration. We are excited to partner on a protocol and use it to build agentic systems, which remove the burden of the mechanical so people can focus on the creative.”

Instead of maintaining separate connectors for each data source, developers can now build against a standard protocol. As the ecosystem matures, AI systems will maintain context as they move between different tools and datasets, replacing today's fragmented integrations with a more sustainable architecture.

Getting started
Developers can start building and testing MCP connectors today. All Claude.ai plans support connecting MCP servers to the Claude Desktop app.

Claude for Work customers can begin testing MCP servers locally, connecting Claude to internal systems and datasets. We'll soon provide developer toolkits for deploying remote production MCP servers that can serve your entire Claude for Work organization.`
