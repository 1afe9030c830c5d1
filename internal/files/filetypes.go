package files

import "strings"

// Known file types, keyed by type name. Detection picks the longest matching
// extension so "reads.fastq.gz" resolves to fastq.gz rather than a bare .gz.
var fileTypes = map[string][]string{
	"bam":      {".bam"},
	"bed":      {".bed"},
	"csv":      {".csv"},
	"fasta":    {".fasta", ".fa", ".fna", ".ffn", ".frn", ".faa"},
	"fastq":    {".fastq", ".fq"},
	"fastq.gz": {".fastq.gz", ".fq.gz"},
	"gff":      {".gff", ".gff3"},
	"html":     {".html", ".htm"},
	"json":     {".json"},
	"newick":   {".nwk", ".newick", ".tree", ".treefile"},
	"pdf":      {".pdf"},
	"png":      {".png"},
	"sam":      {".sam"},
	"svg":      {".svg"},
	"text":     {".txt", ".text", ".log", ".out"},
	"tsv":      {".tsv", ".tab"},
	"vcf":      {".vcf"},
	"yaml":     {".yaml", ".yml"},
	"zip":      {".zip"},
	"gzip":     {".gz"},
}

// DetectType maps a filename to a file type key by its longest matching
// extension. Unknown extensions fall back to "text".
func DetectType(name string) string {
	lower := strings.ToLower(name)
	best, bestLen := "text", 0
	for typ, exts := range fileTypes {
		for _, ext := range exts {
			if strings.HasSuffix(lower, ext) && len(ext) > bestLen {
				best, bestLen = typ, len(ext)
			}
		}
	}
	return best
}

// KnownType reports whether typ is a registered file type key.
func KnownType(typ string) bool {
	_, ok := fileTypes[typ]
	return ok
}
