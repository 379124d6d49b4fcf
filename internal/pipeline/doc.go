// Package pipeline drives products through the harmonization stages.
//
// The orchestrator walks the tiles offered by a Supplier with a bounded
// worker pool. Products of one tile are processed in acquisition order so
// that fusion sees the Sentinel-2 products harmonized earlier in the run.
// Within a product the stages run in the fixed order of product.AllStages:
// each stage is prepared once, processes every band (optionally on a band
// pool) and is finished before the next stage is prepared.
//
// Stage errors are classified with product.Classify. A recoverable skip
// restores the band buffers captured before the stage, clears its
// parameter slot and skips every stage depending on it. A quality flag is
// recorded and processing continues. Anything fatal fails the product; the
// other products and tiles carry on.
package pipeline
