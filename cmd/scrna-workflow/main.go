// Copyright 2021 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
scrna-workflow runs the four scrna stages (preprocess, pseudobulk, ligands,
pseudotime) as one workflow. Each stage is a separate scrna invocation; a
stage starts once the files it reads exist, and stages whose outputs are
already present are skipped.
*/

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/de"
	sp "github.com/scipipe/scipipe"
	spcomp "github.com/scipipe/scipipe/components"
)

var (
	bin            = flag.String("bin", "scrna", "Path of the scrna binary")
	samples        = flag.String("samples", "", "Sample sheet (TSV with sample and path columns)")
	outDir         = flag.String("outdir", "scrna-out", "Output directory")
	name           = flag.String("name", "lung", "Prefix of the output files")
	conditionRules = flag.String("condition-rules", "", "pattern=label rules deriving the condition from the sample name")
	reference      = flag.String("reference", "", "Reference expression profile for label transfer")
	goPath         = flag.String("go", "", "Gene to GO term table")
	contrast       = flag.String("contrast", "KO_vs_WT", "Contrast whose DE table feeds the ligand analysis, as <num>_vs_<den>")
	cellTypeCol    = flag.String("celltype-col", "predicted.id", "Metadata column holding the cell type")
	sender         = flag.String("sender", "", "Comma-separated sender cell types")
	receiver       = flag.String("receiver", "", "Receiver cell type; pseudobulk DE is restricted to it")
	ligandTarget   = flag.String("ligand-target", "", "Ligand-target regulatory potential matrix")
	lrNetwork      = flag.String("lr-network", "", "Ligand-receptor pairs")
	rootCol        = flag.String("root-col", "", "Metadata column selecting pseudotime root cells")
	rootValue      = flag.String("root-value", "", "Value of -root-col marking root cells")
	maxTasks       = flag.Int("maxtasks", 4, "Maximum number of stages run at once")
)

type workflowOpts struct {
	bin, samples, prefix          string
	conditionRules, reference     string
	goPath                        string
	contrast                      de.Contrast
	cellTypeCol, sender, receiver string
	ligandTarget, lrNetwork       string
	rootCol, rootValue            string
}

// quote quotes s for the shell.
func quote(s string) string {
	return "'" + strings.Replace(s, "'", `'\''`, -1) + "'"
}

// trimmed expands to the output path of port without suffix; the stage
// writes all of its files under that prefix.
func trimmed(port, suffix string) string {
	return fmt.Sprintf("$(s={o:%s}; echo ${s%%%s})", port, suffix)
}

// stageCommands returns the shell command of every stage.
func stageCommands(o workflowOpts) map[string]string {
	pre := []string{o.bin, "preprocess", "-samples {i:sheet}", "-out " + trimmed("obj", ".scobj")}
	if o.conditionRules != "" {
		pre = append(pre, "-condition-rules "+quote(o.conditionRules))
	}
	if o.reference != "" {
		pre = append(pre, "-reference "+quote(o.reference))
	}
	pre = append(pre, "# {o:meta} {o:markers} {o:qc}")

	pb := []string{o.bin, "pseudobulk", "-obj {i:obj}", "-go {i:go}",
		"-cell-type-col " + quote(o.cellTypeCol), "-cell-type " + quote(o.receiver),
		"-out " + trimmed("counts", ".counts.tsv"), "# {o:de} {o:enrichment}"}

	lig := []string{o.bin, "ligands", "-obj {i:obj}", "-de {i:de}",
		"-ligand-target {i:ligand_target}", "-lr-network {i:lr_network}",
		"-celltype-col " + quote(o.cellTypeCol), "-sender " + quote(o.sender), "-receiver " + quote(o.receiver),
		"-out {o:ligands}"}

	pt := []string{o.bin, "pseudotime", "-obj {i:obj}",
		"-root-col " + quote(o.rootCol), "-root-value " + quote(o.rootValue),
		"-out " + trimmed("pseudotime", ".pseudotime.tsv"), "# {o:genes}"}

	return map[string]string{
		"preprocess": strings.Join(pre, " "),
		"pseudobulk": strings.Join(pb, " "),
		"ligands":    strings.Join(lig, " "),
		"pseudotime": strings.Join(pt, " "),
	}
}

// newWorkflow connects the stages by their files. The workflow log is
// written next to the outputs.
func newWorkflow(o workflowOpts, maxTasks int) *sp.Workflow {
	cmds := stageCommands(o)
	wf := sp.NewWorkflowCustomLogFile("scrna", maxTasks, o.prefix+".workflow.log")

	sheet := spcomp.NewFileSource(wf, "sample_sheet", o.samples)
	pre := wf.NewProc("preprocess", cmds["preprocess"])
	pre.In("sheet").From(sheet.Out())
	pre.SetOut("obj", o.prefix+".scobj")
	pre.SetOut("meta", o.prefix+".meta.tsv")
	pre.SetOut("markers", o.prefix+".markers.tsv")
	pre.SetOut("qc", o.prefix+".qc.tsv")

	goTable := spcomp.NewFileSource(wf, "go_annotations", o.goPath)
	pb := wf.NewProc("pseudobulk", cmds["pseudobulk"])
	pb.In("obj").From(pre.Out("obj"))
	pb.In("go").From(goTable.Out())
	pbPrefix := o.prefix + ".pb"
	pb.SetOut("counts", pbPrefix+".counts.tsv")
	pb.SetOut("de", pbPrefix+"."+o.contrast.String()+".de.tsv")
	pb.SetOut("enrichment", pbPrefix+"."+o.contrast.String()+".go.tsv")

	lt := spcomp.NewFileSource(wf, "ligand_target", o.ligandTarget)
	net := spcomp.NewFileSource(wf, "lr_network", o.lrNetwork)
	lig := wf.NewProc("ligands", cmds["ligands"])
	lig.In("obj").From(pre.Out("obj"))
	lig.In("de").From(pb.Out("de"))
	lig.In("ligand_target").From(lt.Out())
	lig.In("lr_network").From(net.Out())
	lig.SetOut("ligands", o.prefix+".ligands.tsv")

	pt := wf.NewProc("pseudotime", cmds["pseudotime"])
	pt.In("obj").From(pre.Out("obj"))
	pt.SetOut("pseudotime", o.prefix+".pseudotime.tsv")
	pt.SetOut("genes", o.prefix+".genes.tsv")
	return wf
}

func main() {
	shutdown := grail.Init()
	defer shutdown()
	for _, f := range []struct{ name, value string }{
		{"samples", *samples}, {"go", *goPath}, {"sender", *sender}, {"receiver", *receiver},
		{"ligand-target", *ligandTarget}, {"lr-network", *lrNetwork}, {"root-col", *rootCol}, {"root-value", *rootValue},
	} {
		if f.value == "" {
			log.Fatalf("-%s is required", f.name)
		}
	}
	c, err := de.ParseContrast(*contrast)
	if err != nil {
		log.Fatalf("-contrast: %v", err)
	}
	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("mkdir %s: %v", *outDir, err)
	}
	// Stages run in scipipe's temporary directories.
	ref := *reference
	if ref != "" {
		if ref, err = filepath.Abs(ref); err != nil {
			log.Fatalf("%s: %v", ref, err)
		}
	}
	o := workflowOpts{
		bin:            *bin,
		samples:        *samples,
		prefix:         *outDir + "/" + *name,
		conditionRules: *conditionRules,
		reference:      ref,
		goPath:         *goPath,
		contrast:       c,
		cellTypeCol:    *cellTypeCol,
		sender:         *sender,
		receiver:       *receiver,
		ligandTarget:   *ligandTarget,
		lrNetwork:      *lrNetwork,
		rootCol:        *rootCol,
		rootValue:      *rootValue,
	}
	newWorkflow(o, *maxTasks).Run()
	log.Debug.Printf("exiting")
}
