package metrics

const Prefix = "jobcontroller_"
