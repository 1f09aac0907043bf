package pipeline

import "fmt"

// Object keys are derived from the job id only, so a redone step overwrites
// the objects of the previous attempt.

func jobPrefix(jobID string) string {
	return "jobs/" + jobID + "/"
}

func rawZipKey(jobID string) string {
	return jobPrefix(jobID) + "raw.zip"
}

func thumbnailKey(jobID string) string {
	return jobPrefix(jobID) + "thumbnail.png"
}

func cropsZipKey(jobID string) string {
	return jobPrefix(jobID) + "crops.zip"
}

func batchFrameKey(jobID, frameName string) string {
	return jobPrefix(jobID) + "batch/frames/" + frameName
}

func requestKey(jobID string, round int) string {
	return fmt.Sprintf("%sbatch/request-%03d.json", jobPrefix(jobID), round)
}

func txtKey(jobID string) string {
	return jobPrefix(jobID) + "output/document.txt"
}

func docxKey(jobID string) string {
	return jobPrefix(jobID) + "output/document.docx"
}
