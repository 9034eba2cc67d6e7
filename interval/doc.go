/*Package interval implements genomic region sets for restricting and
  filtering structural-variant evidence.

  A Region is a single half-open, 0-based range on one contig, usually parsed
  from a "chr:start-end" command-line string. An ExcludeSet is a collection of
  BED intervals (e.g. centromeres, gaps, blacklisted repeats) that supports
  point and range overlap queries; evidence falling inside it is dropped.
*/
package interval
